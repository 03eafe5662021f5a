package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// Readiness aggregates the dependency checks behind /readyz. Redis is
// optional (rate limiting is skipped without it); the content check fails
// until the first successful Reload.
type Readiness struct {
	DB      Pinger
	Redis   *redis.Client
	Content domain.ContentProvider
	Timeout time.Duration
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Handler serves the readiness report. Any failing check answers 503.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()

		report := readyReport{Status: "ready", Checks: map[string]string{}}
		for name, check := range r.checks() {
			if err := check(ctx); err != nil {
				report.Status = "not ready"
				report.Checks[name] = err.Error()
			} else {
				report.Checks[name] = "ok"
			}
		}

		status := http.StatusOK
		if report.Status != "ready" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

func (r *Readiness) checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"db": func(ctx context.Context) error {
			if r.DB == nil {
				return fmt.Errorf("db not configured")
			}
			return r.DB.Ping(ctx)
		},
		"content": func(context.Context) error {
			if r.Content == nil || len(r.Content.Levels()) == 0 {
				return fmt.Errorf("content not loaded")
			}
			return nil
		},
	}
	if r.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return r.Redis.Ping(ctx).Err()
		}
	}
	return checks
}
