package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// TaskRepo reads and deletes durable queue rows. Inserts happen inside the
// admission transaction (sessions_repo.AdmitInflight), never here.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// ListPendingOrdered returns all pending tasks in queue order: ascending
// enqueued_at, tiebreak id. Queue rehydration depends on this ordering.
func (r *TaskRepo) ListPendingOrdered(ctx domain.Context) ([]domain.PendingTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListPendingOrdered")
	defer span.End()
	q := `SELECT id, trace_id, user_id, level_id, chat_id, user_prompt, enqueued_at
	FROM pending_tasks ORDER BY enqueued_at, id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.list_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.PendingTask
	for rows.Next() {
		var t domain.PendingTask
		if err := rows.Scan(&t.ID, &t.TraceID, &t.UserID, &t.LevelID, &t.ChatID, &t.UserPrompt, &t.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("op=tasks.list_pending: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tasks.list_pending: %w", err)
	}
	return out, nil
}

// Delete removes one task row. Deleting an already-deleted row is a no-op.
func (r *TaskRepo) Delete(ctx domain.Context, taskID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM pending_tasks WHERE id=$1`, taskID); err != nil {
		return fmt.Errorf("op=tasks.delete: %w", err)
	}
	return nil
}

// DeleteAll drops every pending row (admin clear-queue). Returns the number
// of rows dropped.
func (r *TaskRepo) DeleteAll(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.DeleteAll")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM pending_tasks`)
	if err != nil {
		return 0, fmt.Errorf("op=tasks.delete_all: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of pending rows.
func (r *TaskRepo) Count(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Count")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_tasks`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=tasks.count: %w", err)
	}
	return n, nil
}
