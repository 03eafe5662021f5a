package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// SessionRepo persists per (user, level) session rows and owns the atomic
// admission transaction.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// Get loads the session for (user, level).
func (r *SessionRepo) Get(ctx domain.Context, userID string, levelID int) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()
	q := `SELECT user_id, level_id, state, turn_index, cooldown_until, inflight_task_id, updated_at
	FROM sessions WHERE user_id=$1 AND level_id=$2`
	row := r.Pool.QueryRow(ctx, q, userID, levelID)
	var s domain.Session
	if err := row.Scan(&s.UserID, &s.LevelID, &s.State, &s.TurnIndex, &s.CooldownUntil, &s.InflightTaskID, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Session{}, fmt.Errorf("op=sessions.get: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=sessions.get: %w", err)
	}
	return s, nil
}

// Upsert replaces the session row by its (user_id, level_id) key.
func (r *SessionRepo) Upsert(ctx domain.Context, s domain.Session) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Upsert")
	defer span.End()
	q := `INSERT INTO sessions (user_id, level_id, state, turn_index, cooldown_until, inflight_task_id, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (user_id, level_id)
	DO UPDATE SET state=EXCLUDED.state, turn_index=EXCLUDED.turn_index, cooldown_until=EXCLUDED.cooldown_until,
	inflight_task_id=EXCLUDED.inflight_task_id, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, s.UserID, s.LevelID, s.State, s.TurnIndex, s.CooldownUntil, s.InflightTaskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=sessions.upsert: %w", err)
	}
	return nil
}

// AdmitInflight is the anti-double-submit barrier: one transaction flips the
// session to INFLIGHT with a conditional update, inserts the pending task
// row, and appends the USER_IN event. The conditional update admits only
// READY sessions and COOLDOWN sessions whose deadline has expired; zero rows
// affected means another submission won the race and the whole transaction
// rolls back with ErrConflict.
func (r *SessionRepo) AdmitInflight(ctx domain.Context, p domain.AdmitParams) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.AdmitInflight")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("task.id", p.Task.ID),
	)
	now := time.Now().UTC()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=sessions.admit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	flip := `UPDATE sessions SET state=$4, inflight_task_id=$3, updated_at=$5
	WHERE user_id=$1 AND level_id=$2
	AND (state=$6 OR (state=$7 AND cooldown_until <= $5))`
	tag, err := tx.Exec(ctx, flip, p.Task.UserID, p.Task.LevelID, p.Task.ID, domain.SessionInflight, now,
		domain.SessionReady, domain.SessionCooldown)
	if err != nil {
		return fmt.Errorf("op=sessions.admit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=sessions.admit: %w", domain.ErrConflict)
	}

	insTask := `INSERT INTO pending_tasks (id, trace_id, user_id, level_id, chat_id, user_prompt, enqueued_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := tx.Exec(ctx, insTask, p.Task.ID, p.Task.TraceID, p.Task.UserID, p.Task.LevelID, p.Task.ChatID, p.Task.UserPrompt, p.Task.EnqueuedAt); err != nil {
		return fmt.Errorf("op=sessions.admit: %w", err)
	}

	if err := appendEventTx(ctx, tx, p.UserIn); err != nil {
		return fmt.Errorf("op=sessions.admit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=sessions.admit: %w", err)
	}
	return nil
}

// ResetForUser clears one user's level session (admin). Prior rewards and
// level progress are untouched.
func (r *SessionRepo) ResetForUser(ctx domain.Context, userID string, levelID int) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ResetForUser")
	defer span.End()
	q := `DELETE FROM sessions WHERE user_id=$1 AND level_id=$2`
	if _, err := r.Pool.Exec(ctx, q, userID, levelID); err != nil {
		return fmt.Errorf("op=sessions.reset_for_user: %w", err)
	}
	return nil
}

// ReleaseOrphans resets INFLIGHT sessions with no backing pending task back
// to READY. Covers sessions orphaned by a crash after task deletion but
// before the session update committed (should not happen — both are in one
// transaction — but the janitor keeps the invariant self-healing).
func (r *SessionRepo) ReleaseOrphans(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ReleaseOrphans")
	defer span.End()
	q := `UPDATE sessions SET state=$1, inflight_task_id=NULL, updated_at=$2
	WHERE state=$3 AND (inflight_task_id IS NULL OR NOT EXISTS (
		SELECT 1 FROM pending_tasks WHERE pending_tasks.id = sessions.inflight_task_id))`
	tag, err := r.Pool.Exec(ctx, q, domain.SessionReady, time.Now().UTC(), domain.SessionInflight)
	if err != nil {
		return 0, fmt.Errorf("op=sessions.release_orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseAllInflight resets every INFLIGHT session to READY (admin
// clear-queue, after the pending rows are dropped).
func (r *SessionRepo) ReleaseAllInflight(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ReleaseAllInflight")
	defer span.End()
	q := `UPDATE sessions SET state=$1, inflight_task_id=NULL, updated_at=$2 WHERE state=$3`
	tag, err := r.Pool.Exec(ctx, q, domain.SessionReady, time.Now().UTC(), domain.SessionInflight)
	if err != nil {
		return 0, fmt.Errorf("op=sessions.release_all_inflight: %w", err)
	}
	return tag.RowsAffected(), nil
}
