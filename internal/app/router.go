// Package app assembles the HTTP surface and the background services that
// are not tied to one adapter: routing, readiness, and the session janitor.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/channel/webhook"
	httpserver "github.com/fairyhunter13/prompt-gauntlet/internal/adapter/httpserver"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/observability"
	"github.com/fairyhunter13/prompt-gauntlet/internal/config"
)

// RouterDeps carries everything BuildRouter mounts. Admin may be nil when
// admin credentials are not configured.
type RouterDeps struct {
	Inbound webhook.MessageSink
	Admin   *httpserver.AdminServer
	Ready   *Readiness
}

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Rate limit the endpoints an outsider can hit.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Method(http.MethodPost, "/v1/channel/messages", webhook.InboundHandler(deps.Inbound))
		if deps.Admin != nil {
			deps.Admin.Mount(wr)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	if deps.Ready != nil {
		r.Get("/readyz", deps.Ready.Handler())
	} else {
		r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	}

	return httpserver.SecurityHeaders(r)
}
