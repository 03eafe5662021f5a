package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// Janitor releases INFLIGHT sessions whose pending task row no longer
// exists. Such orphans appear when a worker crashes after deleting the row
// but before the finalize commit, or after an admin clear-queue races an
// in-flight finalize. The queue itself needs no sweeping: task rows survive
// crashes and rehydrate on startup.
type Janitor struct {
	sessions domain.SessionRepo
	interval time.Duration
}

// NewJanitor builds the sweeper. A non-positive interval defaults to five
// minutes.
func NewJanitor(sessions domain.SessionRepo, interval time.Duration) *Janitor {
	if sessions == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{sessions: sessions, interval: interval}
}

// Run sweeps once at startup, then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session janitor stopping")
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.janitor")
	ctx, span := tracer.Start(ctx, "Janitor.sweepOnce")
	defer span.End()

	released, err := j.sessions.ReleaseOrphans(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("orphan session sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("sessions.released", released))
	if released > 0 {
		slog.Warn("released orphaned inflight sessions", slog.Int64("count", released))
	}
}
