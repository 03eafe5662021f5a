package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// StatsRepo assembles the admin stats snapshot with read-only queries.
type StatsRepo struct{ Pool PgxPool }

// NewStatsRepo constructs a StatsRepo with the given pool.
func NewStatsRepo(p PgxPool) *StatsRepo { return &StatsRepo{Pool: p} }

// Snapshot returns today's counters, total users, per-level pass counts, and
// remaining stock per pool. "Today" is the UTC calendar day.
func (r *StatsRepo) Snapshot(ctx domain.Context) (domain.Stats, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.Snapshot")
	defer span.End()

	var st domain.Stats
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`)
	if err := row.Scan(&st.TotalUsers); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}
	row = r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM attempts WHERE created_at >= $1`, dayStart)
	if err := row.Scan(&st.TodayAttempts); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}
	row = r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM reward_claims WHERE claimed_at >= $1`, dayStart)
	if err := row.Scan(&st.TodayClaims); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}

	st.PassedPerLevel = map[int]int64{}
	rows, err := r.Pool.Query(ctx, `SELECT level_id, COUNT(*) FROM level_progress GROUP BY level_id ORDER BY level_id`)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			rows.Close()
			return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
		}
		st.PassedPerLevel[level] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}

	rows, err = r.Pool.Query(ctx, `SELECT pool_id, SUM(max_claims), SUM(max_claims - claimed_count)
	FROM reward_items WHERE enabled GROUP BY pool_id ORDER BY pool_id`)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ps domain.PoolStock
		if err := rows.Scan(&ps.PoolID, &ps.Total, &ps.Remaining); err != nil {
			return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
		}
		st.Stock = append(st.Stock, ps)
	}
	if err := rows.Err(); err != nil {
		return domain.Stats{}, fmt.Errorf("op=stats.snapshot: %w", err)
	}
	return st, nil
}
