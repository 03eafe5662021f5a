package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// FinalizeStore commits one processed task in a single transaction: the
// attempt row, the guarded session update, the optional level-progress and
// reward claim, the pending task delete, and the audit events. The LLM call
// and the outbound channel send stay outside this transaction.
type FinalizeStore struct {
	Pool         PgxPool
	RetryMax     int
	RetryInitial time.Duration
}

// NewFinalizeStore constructs a FinalizeStore with the given pool.
func NewFinalizeStore(p PgxPool) *FinalizeStore {
	return &FinalizeStore{Pool: p, RetryMax: 3, RetryInitial: 50 * time.Millisecond}
}

// FinalizeAttempt runs the composite commit. The session update is guarded
// by (state=INFLIGHT, inflight_task_id=task): a replayed task whose session
// was already finalized loses the guard and gets ErrConflict with nothing
// committed, which is what makes at-least-once replay safe.
func (s *FinalizeStore) FinalizeAttempt(ctx domain.Context, p domain.FinalizeParams) (*domain.ClaimResult, error) {
	tracer := otel.Tracer("repo.finalize")
	ctx, span := tracer.Start(ctx, "finalize.FinalizeAttempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", p.TaskID),
		attribute.String("attempt.final", string(p.Attempt.FinalVerdict)),
	)

	var claimRes *domain.ClaimResult
	err := withBusyRetry(ctx, s.RetryMax, s.RetryInitial, func() error {
		claimRes = nil
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		guard := `UPDATE sessions SET state=$3, turn_index=$4, cooldown_until=$5, inflight_task_id=NULL, updated_at=$6
		WHERE user_id=$1 AND level_id=$2 AND state=$7 AND inflight_task_id=$8`
		tag, err := tx.Exec(ctx, guard, p.Session.UserID, p.Session.LevelID, p.Session.State, p.Session.TurnIndex,
			p.Session.CooldownUntil, time.Now().UTC(), domain.SessionInflight, p.TaskID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConflict
		}

		if err := recordAttemptTx(ctx, tx, p.Attempt); err != nil {
			return err
		}

		if p.MarkPassed {
			ins := `INSERT INTO level_progress (user_id, level_id, passed_at, turns_used) VALUES ($1,$2,$3,$4)
			ON CONFLICT (user_id, level_id) DO NOTHING`
			if _, err := tx.Exec(ctx, ins, p.Session.UserID, p.Session.LevelID, time.Now().UTC(), p.TurnsUsed); err != nil {
				return err
			}
		}

		if p.Claim != nil {
			res, err := claimRewardTx(ctx, tx, *p.Claim)
			if err != nil {
				return err
			}
			claimRes = &res
		}

		if _, err := tx.Exec(ctx, `DELETE FROM pending_tasks WHERE id=$1`, p.TaskID); err != nil {
			return err
		}

		for _, e := range p.Events {
			if err := appendEventTx(ctx, tx, e); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("op=finalize.attempt: %w", err)
	}
	return claimRes, nil
}
