package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./content", cfg.ContentDir)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, 5*time.Minute, cfg.JanitorInterval)
	assert.Equal(t, 30*time.Second, cfg.WorkerDrainTimeout)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.AdminEnabled())
}

func TestAdminEnabledRequiresAllThree(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD", "argon2id$3$65536$2$salt$hash")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AdminEnabled())

	t.Setenv("ADMIN_SESSION_SECRET", "0123456789abcdef")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.AdminEnabled())
}

func TestEnvironmentHelpers(t *testing.T) {
	t.Setenv("APP_ENV", "Prod")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
	assert.False(t, cfg.IsTest())
}

func TestBackoffConfigShortensInTest(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	require.NoError(t, err)

	maxElapsed, initial, maxInterval, mult := cfg.GetAIBackoffConfig()
	assert.Equal(t, 2*time.Second, maxElapsed)
	assert.Equal(t, 50*time.Millisecond, initial)
	assert.Equal(t, 500*time.Millisecond, maxInterval)
	assert.Equal(t, 2.0, mult)
}

func TestBackoffConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("AI_BACKOFF_MAX_ELAPSED_TIME", "90s")
	t.Setenv("AI_BACKOFF_MULTIPLIER", "2.5")
	cfg, err := Load()
	require.NoError(t, err)

	maxElapsed, initial, _, mult := cfg.GetAIBackoffConfig()
	assert.Equal(t, 90*time.Second, maxElapsed)
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 2.5, mult)
}
