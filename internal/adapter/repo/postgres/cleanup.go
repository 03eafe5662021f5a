package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService prunes old audit data. Attempts and log events grow without
// bound during an activity; finished activities keep a retention window so
// exports stay possible for a while after the end date. Reward claims and
// level progress are never pruned.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes attempts and log events older than the retention
// window.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	evTag, err := s.Pool.Exec(ctx, `DELETE FROM log_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.log_events: %w", err)
	}
	atTag, err := s.Pool.Exec(ctx, `DELETE FROM attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.attempts: %w", err)
	}

	slog.Info("audit data cleanup completed",
		slog.Int64("deleted_events", evTag.RowsAffected()),
		slog.Int64("deleted_attempts", atTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
