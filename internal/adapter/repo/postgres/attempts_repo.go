package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// execer is satisfied by both PgxPool and pgx.Tx so that the composite
// finalize transaction can reuse the same inserts.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AttemptRepo persists immutable attempt rows.
type AttemptRepo struct{ Pool PgxPool }

// NewAttemptRepo constructs an AttemptRepo with the given pool.
func NewAttemptRepo(p PgxPool) *AttemptRepo { return &AttemptRepo{Pool: p} }

// Record inserts one attempt. Append-only.
func (r *AttemptRepo) Record(ctx domain.Context, a domain.Attempt) error {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Record")
	defer span.End()
	if err := recordAttemptTx(ctx, r.Pool, a); err != nil {
		return fmt.Errorf("op=attempts.record: %w", err)
	}
	return nil
}

func recordAttemptTx(ctx domain.Context, q execer, a domain.Attempt) error {
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const ins = `INSERT INTO attempts
	(id, trace_id, user_id, level_id, turn_index, user_prompt, llm_output, keyword_pass, judge_verdict, judge_reason, final_verdict, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := q.Exec(ctx, ins, id, a.TraceID, a.UserID, a.LevelID, a.TurnIndex, a.UserPrompt, a.LLMOutput,
		a.KeywordPass, a.JudgeVerdict, a.JudgeReason, a.FinalVerdict, created)
	return err
}
