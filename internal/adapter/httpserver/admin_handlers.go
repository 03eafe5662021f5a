package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/prompt-gauntlet/internal/config"
	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
	"github.com/fairyhunter13/prompt-gauntlet/internal/usecase"
)

// AdminService is the operator command surface the handlers call into.
// usecase.Admin implements it.
type AdminService interface {
	StatsSnapshot(ctx context.Context) (usecase.AdminStats, error)
	SetEnabled(ctx context.Context, admin string, enabled *bool) error
	SetRewardEnabled(ctx context.Context, admin string, open *bool) error
	ReloadContent(ctx context.Context, admin string) (domain.SyncStats, error)
	SetBanned(ctx context.Context, admin, userID string, banned bool, reason string) error
	ResetSession(ctx context.Context, admin, userID string, levelID int) error
	ClearQueue(ctx context.Context, admin string) (dropped, released int64, err error)
	ExportLogs(ctx context.Context, from, to time.Time) ([]domain.LogEvent, error)
	ExportClaims(ctx context.Context, from, to time.Time) ([]domain.RewardClaim, error)
}

// AdminServer mounts the JSON admin API under /admin/api.
type AdminServer struct {
	cfg      config.Config
	sessions *SessionManager
	admin    AdminService
}

// NewAdminServer wires the admin surface.
func NewAdminServer(cfg config.Config, sessions *SessionManager, admin AdminService) *AdminServer {
	return &AdminServer{cfg: cfg, sessions: sessions, admin: admin}
}

// Mount registers the admin routes on r. Login and logout are open; the
// rest sit behind the session middleware.
func (s *AdminServer) Mount(r chi.Router) {
	r.Post("/admin/api/login", s.handleLogin)
	r.Post("/admin/api/logout", s.handleLogout)

	r.Group(func(pr chi.Router) {
		pr.Use(s.sessions.AuthRequired)
		pr.Get("/admin/api/stats", s.handleStats)
		pr.Post("/admin/api/toggle", s.handleToggle)
		pr.Post("/admin/api/toggle-reward", s.handleToggleReward)
		pr.Post("/admin/api/reload", s.handleReload)
		pr.Post("/admin/api/ban", s.handleBan(true))
		pr.Post("/admin/api/unban", s.handleBan(false))
		pr.Post("/admin/api/reset-session", s.handleResetSession)
		pr.Post("/admin/api/clear-queue", s.handleClearQueue)
		pr.Get("/admin/api/export-logs", s.handleExportLogs)
		pr.Get("/admin/api/export-claims", s.handleExportClaims)
	})
}

func (s *AdminServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !s.sessions.Authenticate(req.Username, req.Password) {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHENTICATED", Message: "invalid credentials"}})
		return
	}
	value, err := s.sessions.CreateSession(req.Username)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=admin.login: %w", domain.ErrInternal), nil)
		return
	}
	s.sessions.SetSessionCookie(w, value)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.sessions.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.StatsSnapshot(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *AdminServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// Enabled null clears the override.
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.admin.SetEnabled(r.Context(), s.adminName(r), req.Enabled); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": req.Enabled})
}

func (s *AdminServer) handleToggleReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// Open null clears the override; the reward window decides again.
		Open *bool `json:"open"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.admin.SetRewardEnabled(r.Context(), s.adminName(r), req.Open); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "open": req.Open})
}

func (s *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.ReloadContent(r.Context(), s.adminName(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"inserted": stats.Inserted,
		"updated":  stats.Updated,
		"disabled": stats.Disabled,
	})
}

func (s *AdminServer) handleBan(banned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.admin.SetBanned(r.Context(), s.adminName(r), req.UserID, banned, req.Reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user_id": req.UserID, "banned": banned})
	}
}

func (s *AdminServer) handleResetSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		LevelID int    `json:"level_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.admin.ResetSession(r.Context(), s.adminName(r), req.UserID, req.LevelID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	dropped, released, err := s.admin.ClearQueue(r.Context(), s.adminName(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"tasks_dropped":     dropped,
		"sessions_released": released,
	})
}

func (s *AdminServer) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	events, err := s.admin.ExportLogs(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, e := range events {
		_ = enc.Encode(map[string]any{
			"id":         e.ID,
			"trace_id":   e.TraceID,
			"type":       e.Type,
			"user_id":    e.UserID,
			"level_id":   e.LevelID,
			"turn_index": e.TurnIndex,
			"content":    e.Content,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

func (s *AdminServer) handleExportClaims(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	claims, err := s.admin.ExportClaims(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, c := range claims {
		_ = enc.Encode(map[string]any{
			"id":         c.ID,
			"user_id":    c.UserID,
			"level_id":   c.LevelID,
			"pool_id":    c.PoolID,
			"item_id":    c.ItemID,
			"code":       maskCode(c.CodeSnapshot),
			"claimed_at": c.ClaimedAt.UTC().Format(time.RFC3339),
		})
	}
}

// adminName is the acting operator for audit events.
func (s *AdminServer) adminName(r *http.Request) string {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return sess.Username
	}
	return "unknown"
}

// maskCode hides all but the first four characters of a reward code in
// exports.
func maskCode(code string) string {
	runes := []rune(code)
	if len(runes) <= 4 {
		return string(runes)
	}
	return string(runes[:4]) + "****"
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("op=httpserver.decode: %w: malformed body", domain.ErrInvalidArgument)
	}
	return nil
}

// parseRange reads from/to query params (RFC3339). to defaults to now,
// from to 24h before to.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	to := now
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("op=httpserver.range: %w: bad to", domain.ErrInvalidArgument)
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("op=httpserver.range: %w: bad from", domain.ErrInvalidArgument)
		}
		from = t
	}
	return from, to, nil
}
