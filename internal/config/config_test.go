package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("API_KEY_SALT", "salt")
	t.Setenv("PROXY_TIMEOUT", "120")
	t.Setenv("UNAUTHORIZED_THRESHOLD", "1")
	t.Setenv("SESSION_TTL_MINUTES", "30")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	require.Equal(t, 120*time.Second, cfg.ProxyTimeout)
	require.Equal(t, 1, cfg.UnauthorizedThreshold)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, "debug", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	t.Setenv("REDIS_PORT", "99999")
	t.Setenv("API_KEY_SALT", "salt")

	cfg := Load()
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, 6379, cfg.RedisPort)
}

func TestValidateRequiresSalt(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())
	cfg.APIKeySalt = "s"
	require.NoError(t, cfg.Validate())
}

func TestValidateEncryptionSaltPairing(t *testing.T) {
	cfg := Default()
	cfg.APIKeySalt = "s"
	cfg.EncryptionKey = "k"
	require.Error(t, cfg.Validate())
	cfg.EncryptionSalt = "es"
	require.NoError(t, cfg.Validate())
}
