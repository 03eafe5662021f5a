// Package postgres provides PostgreSQL storage adapters.
//
// One repository per aggregate (users, sessions, progress, attempts,
// rewards, tasks, events, stats), each built over a minimal PgxPool
// interface so tests can stub the pool. Composite transactions — the
// admission flip and the attempt finalize — live in sessions_repo.go and
// finalize.go; the reward claim protocol lives in rewards_repo.go.
package postgres

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// isBusy reports whether err is a transient serialization/lock failure that
// is safe to retry: serialization_failure, deadlock_detected, lock_not_available.
func isBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// withBusyRetry runs fn, retrying busy errors with exponential backoff up to
// maxRetries additional attempts. Non-busy errors surface immediately.
func withBusyRetry(ctx context.Context, maxRetries int, initial time.Duration, fn func() error) error {
	if maxRetries <= 0 {
		return fn()
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxRetries)), ctx)
	return backoff.Retry(func() error {
		if err := fn(); err != nil {
			if isBusy(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, bo)
}

// schema is applied at startup. CREATE IF NOT EXISTS keeps it idempotent;
// the unique keys below are the backbone of the idempotence story (replayed
// tasks re-run MarkPassed and Claim without duplicating rows).
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	banned BOOLEAN NOT NULL DEFAULT FALSE,
	ban_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	user_id TEXT NOT NULL,
	level_id INT NOT NULL,
	state TEXT NOT NULL,
	turn_index INT NOT NULL DEFAULT 0,
	cooldown_until TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	inflight_task_id TEXT,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, level_id)
);
CREATE TABLE IF NOT EXISTS level_progress (
	user_id TEXT NOT NULL,
	level_id INT NOT NULL,
	passed_at TIMESTAMPTZ NOT NULL,
	turns_used INT NOT NULL,
	PRIMARY KEY (user_id, level_id)
);
CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	level_id INT NOT NULL,
	turn_index INT NOT NULL,
	user_prompt TEXT NOT NULL,
	llm_output TEXT NOT NULL,
	keyword_pass BOOLEAN NOT NULL,
	judge_verdict TEXT NOT NULL,
	judge_reason TEXT NOT NULL DEFAULT '',
	final_verdict TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS attempts_user_level_idx ON attempts (user_id, level_id);
CREATE INDEX IF NOT EXISTS attempts_created_at_idx ON attempts (created_at);
CREATE TABLE IF NOT EXISTS reward_items (
	item_id TEXT PRIMARY KEY,
	pool_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	code TEXT NOT NULL,
	max_claims INT NOT NULL,
	claimed_count INT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	CHECK (claimed_count >= 0 AND claimed_count <= max_claims)
);
CREATE INDEX IF NOT EXISTS reward_items_pool_idx ON reward_items (pool_id);
CREATE TABLE IF NOT EXISTS reward_claims (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	level_id INT NOT NULL,
	pool_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	code_snapshot TEXT NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, level_id)
);
CREATE TABLE IF NOT EXISTS pending_tasks (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	level_id INT NOT NULL,
	chat_id TEXT NOT NULL,
	user_prompt TEXT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_tasks_order_idx ON pending_tasks (enqueued_at, id);
CREATE TABLE IF NOT EXISTS log_events (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	level_id INT NOT NULL,
	turn_index INT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS log_events_created_at_idx ON log_events (created_at);
CREATE TABLE IF NOT EXISTS bans (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	banned BOOLEAN NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	bucket_key TEXT PRIMARY KEY,
	capacity BIGINT NOT NULL,
	refill_rate DOUBLE PRECISION NOT NULL,
	tokens DOUBLE PRECISION NOT NULL,
	last_refill TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies the embedded schema. Safe to run on every startup.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
