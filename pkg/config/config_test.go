package config_test

import (
	"testing"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "ASYNCGATE_ENV", "DATABASE_URL", "ASYNCGATE_LITE",
		"CORS_ORIGINS", "CORS_ALLOW_CREDENTIALS", "RATE_LIMIT_DISABLED",
		"RATE_LIMIT_BACKEND", "REDIS_URL", "STRICT_LOCATABILITY",
		"LEASE_DEFAULT_TTL", "LEASE_MAX_TTL", "LEASE_MAX_RENEWALS", "LEASE_MAX_LIFETIME",
		"ASYNCGATE_PROFILES_DIR", "ASYNCGATE_REGION", "OTEL_EXPORTER",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaultsToDevelopmentLiteMode(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.EnvDevelopment, cfg.Environment)
	assert.True(t, cfg.Lite, "no DATABASE_URL means lite mode")
	assert.True(t, cfg.RateLimitEnabled)
	assert.False(t, cfg.StrictLocatability)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://asyncgate:5432/db")
	t.Setenv("STRICT_LOCATABILITY", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.Lite)
	assert.Equal(t, "postgres://asyncgate:5432/db", cfg.DatabaseURL)
	assert.True(t, cfg.StrictLocatability)
}

func TestLoadStagingForcesConservativePostureRegardlessOfOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASYNCGATE_ENV", "staging")
	t.Setenv("RATE_LIMIT_DISABLED", "true")
	t.Setenv("STRICT_LOCATABILITY", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.RateLimitEnabled, "staging must force rate limiting on despite RATE_LIMIT_DISABLED")
	assert.True(t, cfg.StrictLocatability, "staging must force strict locatability on")
}

func TestLoadRejectsWildcardOriginWithCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("CORS_ORIGINS", "*")
	t.Setenv("CORS_ALLOW_CREDENTIALS", "true")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadRejectsRedisBackendWithoutURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_BACKEND", "redis")

	_, err := config.Load()
	require.Error(t, err)
}
