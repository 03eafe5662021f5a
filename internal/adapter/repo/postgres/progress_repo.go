package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// ProgressRepo persists level-pass records.
type ProgressRepo struct{ Pool PgxPool }

// NewProgressRepo constructs a ProgressRepo with the given pool.
func NewProgressRepo(p PgxPool) *ProgressRepo { return &ProgressRepo{Pool: p} }

// IsPassed reports whether the user has a pass record for the level.
func (r *ProgressRepo) IsPassed(ctx domain.Context, userID string, levelID int) (bool, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.IsPassed")
	defer span.End()
	q := `SELECT EXISTS (SELECT 1 FROM level_progress WHERE user_id=$1 AND level_id=$2)`
	row := r.Pool.QueryRow(ctx, q, userID, levelID)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("op=progress.is_passed: %w", err)
	}
	return ok, nil
}

// MarkPassed records a pass. Idempotent: a duplicate insert is a no-op and
// the first row's turns_used is preserved.
func (r *ProgressRepo) MarkPassed(ctx domain.Context, userID string, levelID, turnsUsed int) error {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.MarkPassed")
	defer span.End()
	q := `INSERT INTO level_progress (user_id, level_id, passed_at, turns_used) VALUES ($1,$2,$3,$4)
	ON CONFLICT (user_id, level_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, userID, levelID, time.Now().UTC(), turnsUsed); err != nil {
		return fmt.Errorf("op=progress.mark_passed: %w", err)
	}
	return nil
}

// CurrentLevel returns the smallest level id the user has not passed, or
// maxLevel+1 when every level is passed.
func (r *ProgressRepo) CurrentLevel(ctx domain.Context, userID string, maxLevel int) (int, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.CurrentLevel")
	defer span.End()
	q := `SELECT COALESCE(MAX(level_id), 0) FROM level_progress WHERE user_id=$1`
	row := r.Pool.QueryRow(ctx, q, userID)
	var highest int
	if err := row.Scan(&highest); err != nil {
		return 0, fmt.Errorf("op=progress.current_level: %w", err)
	}
	// Levels unlock strictly in order, so the highest passed level determines
	// the current one.
	next := highest + 1
	if next > maxLevel+1 {
		next = maxLevel + 1
	}
	return next, nil
}

// ListForUser returns the user's pass records ordered by level.
func (r *ProgressRepo) ListForUser(ctx domain.Context, userID string) ([]domain.LevelProgress, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.ListForUser")
	defer span.End()
	q := `SELECT user_id, level_id, passed_at, turns_used FROM level_progress WHERE user_id=$1 ORDER BY level_id`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=progress.list_for_user: %w", err)
	}
	defer rows.Close()
	var out []domain.LevelProgress
	for rows.Next() {
		var lp domain.LevelProgress
		if err := rows.Scan(&lp.UserID, &lp.LevelID, &lp.PassedAt, &lp.TurnsUsed); err != nil {
			return nil, fmt.Errorf("op=progress.list_for_user: %w", err)
		}
		out = append(out, lp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=progress.list_for_user: %w", err)
	}
	return out, nil
}
