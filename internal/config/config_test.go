package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-perfectly-reasonable-test-secret")
	t.Setenv("DB_PASSWORD", "postgres")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.BruteForce.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.BruteForce.LockoutDuration)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.True(t, cfg.RateLimit.AutoBlacklist.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.AutoBlacklist.ViolationThreshold)
	assert.Equal(t, 10, cfg.RateLimit.AutoBlacklist.WithinMinutes)
	assert.Equal(t, time.Hour, cfg.RateLimit.AutoBlacklist.BlockDuration)

	assert.Equal(t, 5*time.Minute, cfg.IPRestriction.CacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.DeviceTrust.ApprovalExpiry)
	assert.Equal(t, 5, cfg.DeviceTrust.MaxCodeAttempts)
	assert.False(t, cfg.Email.Enabled)
}

func TestLoad_Presets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_LIMIT_LOGIN_PER_MINUTE", "3")

	cfg, err := Load()
	require.NoError(t, err)

	require.Contains(t, cfg.RateLimit.Presets, "default")
	require.Contains(t, cfg.RateLimit.Presets, "login")
	require.Contains(t, cfg.RateLimit.Presets, "sensitive")

	assert.Equal(t, RateLimitPreset{PerMinute: 60, PerHour: 1000}, cfg.RateLimit.Presets["default"])
	assert.Equal(t, RateLimitPreset{PerMinute: 3, PerHour: 100}, cfg.RateLimit.Presets["login"])
}

func TestLoad_RequiredSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DB_PASSWORD", "postgres")

	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "a-perfectly-reasonable-test-secret")
	t.Setenv("DB_PASSWORD", "")

	_, err = Load()
	assert.ErrorContains(t, err, "DB_PASSWORD")
}

func TestValidateJWTSecret(t *testing.T) {
	assert.Error(t, validateJWTSecret("short", "development"))
	assert.Error(t, validateJWTSecret("changeme", "development"))
	assert.NoError(t, validateJWTSecret("sixteen-chars-ok", "development"))

	// Production raises the bar to 32 characters.
	assert.Error(t, validateJWTSecret("sixteen-chars-ok", "production"))
	assert.NoError(t, validateJWTSecret("this-secret-is-long-enough-for-prod", "production"))
}
