package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// maxEventContent is the storage-boundary cap on event content. Reward codes
// never reach content at all; callers log item_id references instead.
const maxEventContent = 500

// EventRepo persists the append-only audit log.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append inserts one event, truncating content at the storage boundary.
func (r *EventRepo) Append(ctx domain.Context, e domain.LogEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	if err := appendEventTx(ctx, r.Pool, e); err != nil {
		return fmt.Errorf("op=events.append: %w", err)
	}
	return nil
}

func appendEventTx(ctx domain.Context, q execer, e domain.LogEvent) error {
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const ins = `INSERT INTO log_events (id, trace_id, event_type, user_id, level_id, turn_index, content, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := q.Exec(ctx, ins, id, e.TraceID, e.Type, e.UserID, e.LevelID, e.TurnIndex, truncateContent(e.Content), created)
	return err
}

// truncateContent caps content to maxEventContent runes.
func truncateContent(s string) string {
	runes := []rune(s)
	if len(runes) <= maxEventContent {
		return s
	}
	return string(runes[:maxEventContent])
}

// ExportRange returns events in [from, to) ordered by creation time.
func (r *EventRepo) ExportRange(ctx domain.Context, from, to time.Time) ([]domain.LogEvent, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ExportRange")
	defer span.End()
	q := `SELECT id, trace_id, event_type, user_id, level_id, turn_index, content, created_at
	FROM log_events WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, id`
	rows, err := r.Pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=events.export_range: %w", err)
	}
	defer rows.Close()
	var out []domain.LogEvent
	for rows.Next() {
		var e domain.LogEvent
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Type, &e.UserID, &e.LevelID, &e.TurnIndex, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=events.export_range: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=events.export_range: %w", err)
	}
	return out, nil
}
