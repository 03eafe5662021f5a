package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
	ilog "github.com/fairyhunter13/prompt-gauntlet/internal/observability"
	"github.com/fairyhunter13/prompt-gauntlet/pkg/textx"
)

// Input shape limits beyond the per-level max_input_chars.
const (
	maxInputLines = 100
	maxRepeatRun  = 50
)

// Admission is the inbound front: it serializes per user, walks the gate
// chain, and on success performs the atomic flip+enqueue+log admission.
// Everything before AdmitInflight is read-only, so a rejected message
// leaves no state behind.
type Admission struct {
	Users    domain.UserRepo
	Sessions domain.SessionRepo
	Progress domain.ProgressRepo
	Rewards  domain.RewardRepo
	Events   domain.EventRepo
	Content  domain.ContentProvider
	Queue    domain.Queue
	Channel  domain.Channel
	Gate     *ActivityGate

	locks *userLocks
}

// NewAdmission wires the admission front.
func NewAdmission(users domain.UserRepo, sessions domain.SessionRepo, progress domain.ProgressRepo,
	rewards domain.RewardRepo, events domain.EventRepo, content domain.ContentProvider,
	queue domain.Queue, channel domain.Channel, gate *ActivityGate) *Admission {
	if gate == nil {
		gate = &ActivityGate{}
	}
	return &Admission{
		Users: users, Sessions: sessions, Progress: progress, Rewards: rewards,
		Events: events, Content: content, Queue: queue, Channel: channel,
		Gate:  gate,
		locks: newUserLocks(),
	}
}

// OnMessage handles one inbound message end to end. Replies go out through
// the channel; the returned error reports infrastructure failures only.
func (a *Admission) OnMessage(ctx context.Context, msg domain.InboundMessage) error {
	if msg.UserID == "" || msg.ChatID == "" {
		return fmt.Errorf("op=admission.OnMessage: %w: user and chat ids required", domain.ErrInvalidArgument)
	}

	unlock := a.locks.lock(msg.UserID)
	defer unlock()

	log := ilog.LoggerFromContext(ctx).With(slog.String("user_id", msg.UserID))
	ctx = ilog.ContextWithLogger(ctx, log)

	user, err := a.Users.GetOrCreate(ctx, msg.UserID, msg.DisplayName)
	if err != nil {
		return fmt.Errorf("op=admission.OnMessage: %w", err)
	}
	if user.Banned {
		return a.reply(ctx, msg.ChatID, msgBanned)
	}

	text := textx.SanitizeText(msg.Text)
	if strings.HasPrefix(text, "/") {
		return a.handleCommand(ctx, user, msg, text)
	}

	activity := a.Content.Activity()
	if !a.Gate.Enabled(activity) {
		return a.reply(ctx, msg.ChatID, msgMaintenance)
	}
	now := time.Now().UTC()
	if now.Before(activity.StartAt) {
		return a.reply(ctx, msg.ChatID, msgNotStarted)
	}
	if !now.Before(activity.EndAt) {
		return a.reply(ctx, msg.ChatID, msgEnded)
	}

	maxLevel := a.Content.MaxLevel()
	levelID, err := a.Progress.CurrentLevel(ctx, user.ID, maxLevel)
	if err != nil {
		return fmt.Errorf("op=admission.OnMessage: %w", err)
	}
	if levelID > maxLevel {
		return a.reply(ctx, msg.ChatID, msgAllPassed)
	}
	level, ok := a.Content.Level(levelID)
	if !ok {
		return fmt.Errorf("op=admission.OnMessage: %w: level %d missing from content", domain.ErrInternal, levelID)
	}
	if !level.Enabled {
		return a.reply(ctx, msg.ChatID, msgLevelClosed)
	}

	if refusal := validateInput(text, level); refusal != "" {
		return a.reply(ctx, msg.ChatID, refusal)
	}

	session, err := a.loadOrCreateSession(ctx, user.ID, levelID)
	if err != nil {
		return fmt.Errorf("op=admission.OnMessage: %w", err)
	}
	switch session.State {
	case domain.SessionInflight:
		return a.reply(ctx, msg.ChatID, msgStillProcessing)
	case domain.SessionCooldown:
		if now.Before(session.CooldownUntil) {
			return a.reply(ctx, msg.ChatID, msgCooldown(session.CooldownUntil, now))
		}
	case domain.SessionPassed:
		return a.reply(ctx, msg.ChatID, msgAlreadyPassed)
	case domain.SessionFailedOut:
		return a.reply(ctx, msg.ChatID, msgFailedOut)
	}

	// READY or expired COOLDOWN from here. Reserve a queue slot before the
	// admission transaction so a full queue rejects with zero side effects.
	if err := a.Queue.TryAcquire(); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			return a.reply(ctx, msg.ChatID, msgQueueFull)
		}
		return fmt.Errorf("op=admission.OnMessage: %w", err)
	}

	task := domain.PendingTask{
		ID:         uuid.New().String(),
		TraceID:    ulid.Make().String(),
		UserID:     user.ID,
		LevelID:    levelID,
		ChatID:     msg.ChatID,
		UserPrompt: text,
		EnqueuedAt: now,
	}
	err = a.Sessions.AdmitInflight(ctx, domain.AdmitParams{
		Task: task,
		UserIn: domain.LogEvent{
			TraceID:   task.TraceID,
			Type:      domain.EventUserIn,
			UserID:    user.ID,
			LevelID:   levelID,
			TurnIndex: session.TurnIndex,
			Content:   text,
		},
	})
	if err != nil {
		a.Queue.Release()
		if errors.Is(err, domain.ErrConflict) {
			// Lost the flip race to a concurrent submission.
			return a.reply(ctx, msg.ChatID, msgStillProcessing)
		}
		return fmt.Errorf("op=admission.OnMessage: %w", err)
	}

	ahead := a.Queue.Depth()
	a.Queue.Append(task)
	log.Info("attempt admitted",
		slog.String("trace_id", task.TraceID),
		slog.Int("level_id", levelID),
		slog.Int("queue_ahead", ahead),
	)
	return a.reply(ctx, msg.ChatID, msgQueued(ahead))
}

// loadOrCreateSession returns the session row, creating a READY one when
// the level is reached for the first time. The caller holds the per-user
// lock, so create-then-flip cannot race with itself.
func (a *Admission) loadOrCreateSession(ctx context.Context, userID string, levelID int) (domain.Session, error) {
	session, err := a.Sessions.Get(ctx, userID, levelID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, err
	}
	session = domain.Session{UserID: userID, LevelID: levelID, State: domain.SessionReady}
	if err := a.Sessions.Upsert(ctx, session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// validateInput returns the refusal text for a malformed prompt, or ""
// when the prompt is admissible.
func validateInput(text string, level domain.Level) string {
	if text == "" {
		return msgEmptyInput
	}
	if utf8.RuneCountInString(text) > level.Limits.MaxInputChars {
		return msgTooLong(level.Limits.MaxInputChars)
	}
	if textx.CountLines(text) > maxInputLines {
		return msgTooManyLines(maxInputLines)
	}
	if textx.LongestRun(text) > maxRepeatRun {
		return msgRepeatRun(maxRepeatRun)
	}
	return ""
}

func (a *Admission) reply(ctx context.Context, chatID, text string) error {
	if err := a.Channel.Send(ctx, chatID, text); err != nil {
		return fmt.Errorf("op=admission.reply: %w", err)
	}
	return nil
}

// ActivityGate is the admin kill switch layered over the content document:
// an admin override wins; otherwise the activity's enabled flag decides.
type ActivityGate struct {
	mu       sync.RWMutex
	override *bool
}

// Enabled reports whether the activity accepts attempts.
func (g *ActivityGate) Enabled(a domain.Activity) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.override != nil {
		return *g.override
	}
	return a.Enabled
}

// Set forces the activity on or off until Clear.
func (g *ActivityGate) Set(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = &enabled
}

// Clear removes the override; the content document decides again.
func (g *ActivityGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = nil
}

// Override returns the current override (nil when unset).
func (g *ActivityGate) Override() *bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.override
}

// RewardGate is the reward-side counterpart of ActivityGate: an admin
// override wins; otherwise the activity's reward window decides. Closing it
// never blocks passes, only the claim step.
type RewardGate struct {
	mu       sync.RWMutex
	override *bool
}

// Open reports whether rewards dispense at now. Safe on a nil gate.
func (g *RewardGate) Open(a domain.Activity, now time.Time) bool {
	if g != nil {
		g.mu.RLock()
		override := g.override
		g.mu.RUnlock()
		if override != nil {
			return *override
		}
	}
	start, end := a.RewardWindow()
	return !now.Before(start) && now.Before(end)
}

// Set forces rewards open or closed until Clear.
func (g *RewardGate) Set(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = &open
}

// Clear removes the override; the reward window decides again.
func (g *RewardGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = nil
}

// Override returns the current override (nil when unset). Safe on a nil
// gate.
func (g *RewardGate) Override() *bool {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.override
}
