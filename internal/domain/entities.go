package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrQueueFull         = errors.New("queue full")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// SessionState is the per (user, level) state machine position.
type SessionState string

const (
	SessionReady     SessionState = "READY"
	SessionInflight  SessionState = "INFLIGHT"
	SessionCooldown  SessionState = "COOLDOWN"
	SessionPassed    SessionState = "PASSED"
	SessionFailedOut SessionState = "FAILED_OUT"
)

// JudgeVerdict is the LLM judge's decision for one attempt.
// ERROR means the judge call failed or produced unparseable output.
type JudgeVerdict string

const (
	JudgePass  JudgeVerdict = "PASS"
	JudgeFail  JudgeVerdict = "FAIL"
	JudgeError JudgeVerdict = "ERROR"
)

// FinalVerdict is the combined grading outcome.
type FinalVerdict string

const (
	FinalPass FinalVerdict = "PASS"
	FinalFail FinalVerdict = "FAIL"
)

// RewardKind enumerates reward item kinds. JD_ECARD items are one-shot
// (max_claims must be 1); ALIPAY_CODE items may be claimed repeatedly up
// to max_claims.
type RewardKind string

const (
	RewardAlipayCode RewardKind = "ALIPAY_CODE"
	RewardJDECard    RewardKind = "JD_ECARD"
)

// EventType enumerates audit log event types.
type EventType string

const (
	EventUserIn      EventType = "USER_IN"
	EventSystemOut   EventType = "SYSTEM_OUT"
	EventLLMCall     EventType = "LLM_CALL"
	EventGrade       EventType = "GRADE"
	EventRewardClaim EventType = "REWARD_CLAIM"
	EventError       EventType = "ERROR"
	// EventAdmin audits operator mutations (toggle, reload, ban, resets).
	EventAdmin EventType = "ADMIN"
)

// ClaimOutcome enumerates reward claim protocol results.
type ClaimOutcome string

const (
	ClaimClaimed        ClaimOutcome = "CLAIMED"
	ClaimAlreadyClaimed ClaimOutcome = "ALREADY_CLAIMED"
	ClaimPoolExhausted  ClaimOutcome = "POOL_EXHAUSTED"
)

// User is a participant identity. Created on first contact, never destroyed.
type User struct {
	ID          string
	DisplayName string
	Banned      bool
	BanReason   string
	CreatedAt   time.Time
}

// Session is the mutable per (user, level) progress record.
// Invariants: at most one row per (UserID, LevelID); at most one session
// per UserID in INFLIGHT state.
type Session struct {
	UserID         string
	LevelID        int
	State          SessionState
	TurnIndex      int
	CooldownUntil  time.Time
	InflightTaskID *string
	UpdatedAt      time.Time
}

// LevelProgress records a passed level. Immutable once written.
type LevelProgress struct {
	UserID    string
	LevelID   int
	PassedAt  time.Time
	TurnsUsed int
}

// Attempt is the immutable record of one submit-and-grade cycle.
type Attempt struct {
	ID           string
	TraceID      string
	UserID       string
	LevelID      int
	TurnIndex    int
	UserPrompt   string
	LLMOutput    string
	KeywordPass  bool
	JudgeVerdict JudgeVerdict
	JudgeReason  string
	FinalVerdict FinalVerdict
	CreatedAt    time.Time
}

// RewardItem is one dispensable reward with a claim bound.
// Invariant: 0 <= ClaimedCount <= MaxClaims.
type RewardItem struct {
	ItemID       string
	PoolID       string
	Kind         RewardKind
	Code         string
	MaxClaims    int
	ClaimedCount int
	Enabled      bool
}

// RewardClaim binds an item to (user, level). Unique on (UserID, LevelID).
type RewardClaim struct {
	ID           string
	UserID       string
	LevelID      int
	PoolID       string
	ItemID       string
	CodeSnapshot string
	ClaimedAt    time.Time
}

// PendingTask is the durable queue row. It is deleted only when the worker
// finalizes the attempt; a crash before then leaves the row for replay.
type PendingTask struct {
	ID         string
	TraceID    string
	UserID     string
	LevelID    int
	ChatID     string
	UserPrompt string
	EnqueuedAt time.Time
}

// LogEvent is an append-only audit row. Content is truncated to 500 chars
// at the storage boundary; reward codes are never stored in Content.
type LogEvent struct {
	ID        string
	TraceID   string
	Type      EventType
	UserID    string
	LevelID   int
	TurnIndex int
	Content   string
	CreatedAt time.Time
}

// ClaimRequest identifies one reward claim ask.
type ClaimRequest struct {
	PoolID  string
	UserID  string
	LevelID int
}

// ClaimResult is the reward claim protocol outcome. ItemID/Code/Kind are
// set only when Outcome is CLAIMED or ALREADY_CLAIMED.
type ClaimResult struct {
	Outcome ClaimOutcome
	ItemID  string
	Code    string
	Kind    RewardKind
}

// GradeResult is the composite grader output for one attempt.
type GradeResult struct {
	KeywordPass  bool
	JudgeVerdict JudgeVerdict
	JudgeReason  string
	Final        FinalVerdict
}

// InboundMessage is one user message delivered by the channel adapter.
type InboundMessage struct {
	UserID      string
	ChatID      string
	MessageID   string
	DisplayName string
	Text        string
	Timestamp   time.Time
}

// AdmitParams carries the atomic admission write set: the session CAS flip
// to INFLIGHT, the pending task row, and the USER_IN audit event commit in
// one transaction.
type AdmitParams struct {
	Task   PendingTask
	UserIn LogEvent
}

// FinalizeParams carries the atomic finalize write set for one processed
// task: the attempt row, the conditional session update (guarded by
// InflightTaskID), the pending task delete, audit events, and optionally
// the reward claim and level-progress insert.
type FinalizeParams struct {
	Attempt    Attempt
	Session    Session
	TaskID     string
	Claim      *ClaimRequest
	MarkPassed bool
	TurnsUsed  int
	Events     []LogEvent
}

// SyncStats summarizes a reward item reload.
type SyncStats struct {
	Inserted int
	Updated  int
	Disabled int
}

// PoolStock is remaining inventory for one pool.
type PoolStock struct {
	PoolID    string
	Total     int
	Remaining int
}

// Stats is the admin stats snapshot assembled from storage.
type Stats struct {
	TotalUsers     int64
	TodayAttempts  int64
	TodayClaims    int64
	PassedPerLevel map[int]int64
	Stock          []PoolStock
}

// Repositories (ports)

type UserRepo interface {
	GetOrCreate(ctx Context, userID, displayName string) (User, error)
	Get(ctx Context, userID string) (User, error)
	SetBanned(ctx Context, userID string, banned bool, reason string) error
}

type SessionRepo interface {
	Get(ctx Context, userID string, levelID int) (Session, error)
	Upsert(ctx Context, s Session) error
	// AdmitInflight flips the session to INFLIGHT, inserts the pending task
	// and the USER_IN event in one transaction. Returns ErrConflict when the
	// session is not admissible (not READY nor expired COOLDOWN).
	AdmitInflight(ctx Context, p AdmitParams) error
	ResetForUser(ctx Context, userID string, levelID int) error
	// ReleaseOrphans resets INFLIGHT sessions whose task row no longer
	// exists back to READY. Returns the number of sessions released.
	ReleaseOrphans(ctx Context) (int64, error)
	// ReleaseAllInflight resets every INFLIGHT session to READY (admin
	// clear-queue). Returns the number of sessions released.
	ReleaseAllInflight(ctx Context) (int64, error)
}

type ProgressRepo interface {
	IsPassed(ctx Context, userID string, levelID int) (bool, error)
	MarkPassed(ctx Context, userID string, levelID, turnsUsed int) error
	// CurrentLevel returns the smallest level id the user has not passed,
	// or maxLevel+1 when every level is passed.
	CurrentLevel(ctx Context, userID string, maxLevel int) (int, error)
	ListForUser(ctx Context, userID string) ([]LevelProgress, error)
}

type AttemptRepo interface {
	Record(ctx Context, a Attempt) error
}

type RewardRepo interface {
	// SyncItems upserts configured items by item id, preserving
	// claimed_count, and disables items absent from the new set.
	SyncItems(ctx Context, items []RewardItem) (SyncStats, error)
	// Claim runs the atomic claim protocol in one transaction.
	Claim(ctx Context, req ClaimRequest) (ClaimResult, error)
	GetClaim(ctx Context, userID string, levelID int) (RewardClaim, error)
	ListClaimsRange(ctx Context, from, to time.Time) ([]RewardClaim, error)
}

type TaskRepo interface {
	ListPendingOrdered(ctx Context) ([]PendingTask, error)
	Delete(ctx Context, taskID string) error
	DeleteAll(ctx Context) (int64, error)
	Count(ctx Context) (int64, error)
}

type EventRepo interface {
	Append(ctx Context, e LogEvent) error
	ExportRange(ctx Context, from, to time.Time) ([]LogEvent, error)
}

type StatsRepo interface {
	Snapshot(ctx Context) (Stats, error)
}

// FinalizeStore commits one processed task to storage atomically.
type FinalizeStore interface {
	// FinalizeAttempt returns the claim result when p.Claim is set. When the
	// session guard misses (the task no longer owns the session) it returns
	// ErrConflict and commits nothing.
	FinalizeAttempt(ctx Context, p FinalizeParams) (*ClaimResult, error)
}

// Queue (port) — the bounded in-process FIFO mirrored by pending task rows.

type Queue interface {
	// TryAcquire reserves one slot; ErrQueueFull when the bound is reached.
	TryAcquire() error
	// Release returns a slot reserved by TryAcquire that was never appended.
	Release()
	// Append hands a persisted task to the workers. The caller must hold a
	// slot from TryAcquire; Append never blocks.
	Append(task PendingTask)
	// Dequeue blocks until a task is available or the queue shuts down.
	Dequeue(ctx Context) (PendingTask, bool)
	Depth() int
}

// LLM (port). CallOptions carries the per-level model override and output
// token budget. Judge returns the raw model text; verdict parsing is the
// grader's concern.

type CallOptions struct {
	Model           string
	MaxOutputTokens int
}

type LLM interface {
	Generate(ctx Context, systemPrompt, userPrompt string, opts CallOptions) (string, error)
	Judge(ctx Context, prompt string, opts CallOptions) (string, error)
}

// Channel (port) — the chat transport collaborator.

type Channel interface {
	Send(ctx Context, chatID, text string) error
}

// ContentProvider (port) — loaded activity content with atomic reload.

type ContentProvider interface {
	Activity() Activity
	Levels() []Level
	Level(id int) (Level, bool)
	Pool(id string) (RewardPool, bool)
	MaxLevel() int
	Reload(ctx Context) error
}

// Context is an alias so domain signatures stay decoupled from the std
// context package at the call sites; adapters pass context.Context through.
type Context = context.Context
