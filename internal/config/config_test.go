package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tutor")
	t.Setenv("CREDENTIAL_SECRET", "0123456789abcdef0123")
	t.Setenv("JWT_SECRET", "jwt-signing-secret-for-tests")
	t.Setenv("REDIS_URL", "")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.QuotaFailOpen)
	assert.Equal(t, 10, cfg.DefaultRequestsPerMinute)
	assert.Equal(t, "block", cfg.SafetyPolicy)
	assert.Equal(t, 50*time.Millisecond, cfg.SafetyMatchTimeout)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoad_RedisURLIsOptional(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
}

func TestLoad_RejectsWeakJWTSecret(t *testing.T) {
	for _, secret := range []string{"", "secret", "too-short"} {
		t.Run(secret, func(t *testing.T) {
			setRequired(t)
			t.Setenv("JWT_SECRET", secret)

			_, err := Load()
			assert.ErrorContains(t, err, "JWT_SECRET")
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("QUOTA_FAIL_OPEN", "false")
	t.Setenv("SAFETY_POLICY", "LOG")
	t.Setenv("SAFETY_MATCH_TIMEOUT", "20ms")
	t.Setenv("DEFAULT_REQUESTS_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.QuotaFailOpen)
	assert.Equal(t, "log", cfg.SafetyPolicy)
	assert.Equal(t, 20*time.Millisecond, cfg.SafetyMatchTimeout)
	assert.Equal(t, 30, cfg.DefaultRequestsPerMinute)
}

func TestLoad_RejectsShortSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("CREDENTIAL_SECRET", "short")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("SAFETY_POLICY", "shadow")

	_, err := Load()
	assert.Error(t, err)
}
