package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-gauntlet/internal/config"
)

func testAuthConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := HashPassword("hunter2", defaultArgon2Params)
	require.NoError(t, err)
	return config.Config{
		AppEnv:               "test",
		AdminUsername:        "ops",
		AdminPassword:        hash,
		AdminSessionSecret:   "0123456789abcdef0123456789abcdef",
		AdminSessionSameSite: "Strict",
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse", defaultArgon2Params)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$"))

	assert.True(t, VerifyPassword("correct horse", hash))
	assert.False(t, VerifyPassword("wrong horse", hash))
	assert.False(t, VerifyPassword("correct horse", "not-a-hash"))
}

func TestSessionRoundTrip(t *testing.T) {
	sm := NewSessionManager(testAuthConfig(t))

	value, err := sm.CreateSession("ops")
	require.NoError(t, err)

	data, err := sm.ValidateSession(value)
	require.NoError(t, err)
	assert.Equal(t, "ops", data.Username)
	assert.True(t, data.ExpiresAt.After(time.Now()))
}

func TestSessionTamperRejected(t *testing.T) {
	sm := NewSessionManager(testAuthConfig(t))

	value, err := sm.CreateSession("ops")
	require.NoError(t, err)

	tampered := strings.Replace(value, "ops", "eve", 1)
	_, err = sm.ValidateSession(tampered)
	assert.Error(t, err)

	_, err = sm.ValidateSession("")
	assert.Error(t, err)
	_, err = sm.ValidateSession("no-dot-separator")
	assert.Error(t, err)
}

func TestSessionSecretMismatchRejected(t *testing.T) {
	cfg := testAuthConfig(t)
	sm := NewSessionManager(cfg)
	value, err := sm.CreateSession("ops")
	require.NoError(t, err)

	cfg.AdminSessionSecret = "another-secret-another-secret-ok"
	other := NewSessionManager(cfg)
	_, err = other.ValidateSession(value)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	sm := NewSessionManager(testAuthConfig(t))

	assert.True(t, sm.Authenticate("ops", "hunter2"))
	assert.False(t, sm.Authenticate("ops", "wrong"))
	assert.False(t, sm.Authenticate("eve", "hunter2"))

	empty := NewSessionManager(config.Config{AppEnv: "test"})
	assert.False(t, empty.Authenticate("", ""))
}

func TestAuthRequiredBlocksWithoutSession(t *testing.T) {
	sm := NewSessionManager(testAuthConfig(t))
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	sm.AuthRequired(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
}

func TestAuthRequiredPassesSessionToContext(t *testing.T) {
	sm := NewSessionManager(testAuthConfig(t))
	value, err := sm.CreateSession("ops")
	require.NoError(t, err)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := SessionFromContext(r.Context()); ok {
			seen = sess.Username
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: value})
	rec := httptest.NewRecorder()
	sm.AuthRequired(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", seen)
}

func TestAuthRequiredClearsBadCookie(t *testing.T) {
	sm := NewSessionManager(testAuthConfig(t))
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "garbage.garbage"})
	rec := httptest.NewRecorder()
	sm.AuthRequired(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)
}

func TestSessionCookieAttributes(t *testing.T) {
	cfg := testAuthConfig(t)
	cfg.AdminSessionSameSite = "Lax"
	sm := NewSessionManager(cfg)

	rec := httptest.NewRecorder()
	sm.SetSessionCookie(rec, "value")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "session", c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}
