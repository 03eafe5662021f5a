package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// Admin bundles the operator commands behind the admin HTTP surface. Every
// mutation appends an audit LogEvent with the acting admin's username.
type Admin struct {
	Users      domain.UserRepo
	Sessions   domain.SessionRepo
	Rewards    domain.RewardRepo
	Tasks      domain.TaskRepo
	Events     domain.EventRepo
	Stats      domain.StatsRepo
	Content    domain.ContentProvider
	Queue      domain.Queue
	Gate       *ActivityGate
	RewardGate *RewardGate
}

// AdminStats is the storage snapshot plus live process state.
type AdminStats struct {
	domain.Stats
	QueueDepth      int   `json:"queue_depth"`
	ActivityEnabled bool  `json:"activity_enabled"`
	Override        *bool `json:"override,omitempty"`
	RewardOpen      bool  `json:"reward_open"`
	RewardOverride  *bool `json:"reward_override,omitempty"`
}

// StatsSnapshot assembles the admin dashboard numbers.
func (s *Admin) StatsSnapshot(ctx domain.Context) (AdminStats, error) {
	snap, err := s.Stats.Snapshot(ctx)
	if err != nil {
		return AdminStats{}, fmt.Errorf("op=admin.StatsSnapshot: %w", err)
	}
	activity := s.Content.Activity()
	return AdminStats{
		Stats:           snap,
		QueueDepth:      s.Queue.Depth(),
		ActivityEnabled: s.Gate.Enabled(activity),
		Override:        s.Gate.Override(),
		RewardOpen:      s.RewardGate.Open(activity, time.Now().UTC()),
		RewardOverride:  s.RewardGate.Override(),
	}, nil
}

// SetEnabled flips the activity kill switch. A nil enabled clears the
// override so the content document decides again.
func (s *Admin) SetEnabled(ctx domain.Context, admin string, enabled *bool) error {
	if enabled == nil {
		s.Gate.Clear()
		s.audit(ctx, admin, "toggle override cleared")
		return nil
	}
	s.Gate.Set(*enabled)
	s.audit(ctx, admin, fmt.Sprintf("toggle enabled=%t", *enabled))
	return nil
}

// SetRewardEnabled forces reward distribution open or closed. A nil open
// clears the override so the reward window decides again. Passes keep
// finalizing either way; only the claim step is gated.
func (s *Admin) SetRewardEnabled(ctx domain.Context, admin string, open *bool) error {
	if open == nil {
		s.RewardGate.Clear()
		s.audit(ctx, admin, "reward override cleared")
		return nil
	}
	s.RewardGate.Set(*open)
	s.audit(ctx, admin, fmt.Sprintf("reward toggle open=%t", *open))
	return nil
}

// ReloadContent re-reads the content documents and syncs reward inventory.
// A validation failure leaves both the snapshot and the inventory untouched.
func (s *Admin) ReloadContent(ctx domain.Context, admin string) (domain.SyncStats, error) {
	if err := s.Content.Reload(ctx); err != nil {
		return domain.SyncStats{}, fmt.Errorf("op=admin.ReloadContent: %w", err)
	}
	stats, err := s.Rewards.SyncItems(ctx, ItemsFromContent(s.Content))
	if err != nil {
		return domain.SyncStats{}, fmt.Errorf("op=admin.ReloadContent: %w", err)
	}
	s.audit(ctx, admin, fmt.Sprintf("content reloaded: items inserted=%d updated=%d disabled=%d",
		stats.Inserted, stats.Updated, stats.Disabled))
	return stats, nil
}

// SetBanned bans or unbans a user.
func (s *Admin) SetBanned(ctx domain.Context, admin, userID string, banned bool, reason string) error {
	if userID == "" {
		return fmt.Errorf("op=admin.SetBanned: %w: user id required", domain.ErrInvalidArgument)
	}
	if err := s.Users.SetBanned(ctx, userID, banned, reason); err != nil {
		return fmt.Errorf("op=admin.SetBanned: %w", err)
	}
	s.audit(ctx, admin, fmt.Sprintf("user %s banned=%t reason=%s", userID, banned, reason))
	return nil
}

// ResetSession clears one user's level session. Prior rewards and level
// progress are untouched, so this cannot be used to re-farm rewards.
func (s *Admin) ResetSession(ctx domain.Context, admin, userID string, levelID int) error {
	if userID == "" || levelID <= 0 {
		return fmt.Errorf("op=admin.ResetSession: %w: user id and level required", domain.ErrInvalidArgument)
	}
	if err := s.Sessions.ResetForUser(ctx, userID, levelID); err != nil {
		return fmt.Errorf("op=admin.ResetSession: %w", err)
	}
	s.audit(ctx, admin, fmt.Sprintf("session reset user=%s level=%d", userID, levelID))
	return nil
}

// ClearQueue drops all pending task rows and releases their sessions back
// to READY. Tasks already cached in the in-memory channel drain harmlessly:
// their finalize guard misses once the session is no longer INFLIGHT.
func (s *Admin) ClearQueue(ctx domain.Context, admin string) (dropped, released int64, err error) {
	dropped, err = s.Tasks.DeleteAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("op=admin.ClearQueue: %w", err)
	}
	released, err = s.Sessions.ReleaseAllInflight(ctx)
	if err != nil {
		return dropped, 0, fmt.Errorf("op=admin.ClearQueue: %w", err)
	}
	s.audit(ctx, admin, fmt.Sprintf("queue cleared: tasks=%d sessions=%d", dropped, released))
	return dropped, released, nil
}

// ExportLogs returns audit events in [from, to).
func (s *Admin) ExportLogs(ctx domain.Context, from, to time.Time) ([]domain.LogEvent, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("op=admin.ExportLogs: %w: empty range", domain.ErrInvalidArgument)
	}
	events, err := s.Events.ExportRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=admin.ExportLogs: %w", err)
	}
	return events, nil
}

// ExportClaims returns reward claims in [from, to). The handler masks the
// code snapshots before serialization.
func (s *Admin) ExportClaims(ctx domain.Context, from, to time.Time) ([]domain.RewardClaim, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("op=admin.ExportClaims: %w: empty range", domain.ErrInvalidArgument)
	}
	claims, err := s.Rewards.ListClaimsRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=admin.ExportClaims: %w", err)
	}
	return claims, nil
}

func (s *Admin) audit(ctx domain.Context, admin, content string) {
	err := s.Events.Append(ctx, domain.LogEvent{
		Type:    domain.EventAdmin,
		Content: fmt.Sprintf("admin=%s %s", admin, content),
	})
	if err != nil {
		slog.Error("admin audit append failed", slog.Any("error", err))
	}
}

// ItemsFromContent flattens the configured reward pools into storage items.
// Items of a disabled pool sync as disabled, so the claim protocol skips
// them without losing their claim history.
func ItemsFromContent(c domain.ContentProvider) []domain.RewardItem {
	var items []domain.RewardItem
	seen := make(map[string]bool)
	for _, level := range c.Levels() {
		pool, ok := c.Pool(level.RewardPoolID)
		if !ok || seen[pool.PoolID] {
			continue
		}
		seen[pool.PoolID] = true
		for _, it := range pool.Items {
			items = append(items, domain.RewardItem{
				ItemID:    it.ItemID,
				PoolID:    pool.PoolID,
				Kind:      it.Kind,
				Code:      it.Code,
				MaxClaims: it.MaxClaimsPerItem,
				Enabled:   pool.Enabled,
			})
		}
	}
	return items
}
