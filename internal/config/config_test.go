package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:               8080,
		ScanTokenTTLSecs:   300,
		InviteTokenTTLSecs: 86400,
		ManualTokenTTLSecs: 300,
		DeviceGraceSecs:    300,
		RedeemLimitPerMin:  10,
		EventsPerSecond:    20,
		WSMaxMessageBytes:  WSMaxMessageSize,
	}
}

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("durations convert from seconds", func(t *testing.T) {
		cfg := validConfig()
		assert.Equal(t, 5*time.Minute, cfg.ScanTokenTTL())
		assert.Equal(t, 24*time.Hour, cfg.InviteTokenTTL())
		assert.Equal(t, 5*time.Minute, cfg.ManualTokenTTL())
		assert.Equal(t, 5*time.Minute, cfg.DeviceGrace())
	})

	t.Run("UsageRetention converts days", func(t *testing.T) {
		cfg := &Config{UsageRetentionDays: 2}
		assert.Equal(t, 48*time.Hour, cfg.UsageRetention())
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Empty(t, cfg.DatabaseURL)
		assert.Empty(t, cfg.RedisURL)
		assert.Equal(t, 300, cfg.ScanTokenTTLSecs)
		assert.Equal(t, 86400, cfg.InviteTokenTTLSecs)
		assert.Equal(t, 300, cfg.ManualTokenTTLSecs)
		assert.Equal(t, 300, cfg.DeviceGraceSecs)
		assert.Equal(t, 10, cfg.RedeemLimitPerMin)
		assert.Equal(t, 20.0, cfg.EventsPerSecond)
		assert.Equal(t, 30, cfg.UsageRetentionDays)
		assert.Equal(t, int64(WSMaxMessageSize), cfg.WSMaxMessageBytes)
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("PORT", "3000")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("ALLOWED_ORIGINS", "https://copypaste.me,https://app.copypaste.me")
		t.Setenv("DEVICE_GRACE_SECONDS", "60")
		t.Setenv("WS_MAX_MESSAGE_BYTES", "2097152")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, []string{"https://copypaste.me", "https://app.copypaste.me"}, cfg.AllowedOrigins)
		assert.Equal(t, time.Minute, cfg.DeviceGrace())
		assert.Equal(t, int64(2<<20), cfg.WSMaxMessageBytes)
	})

	t.Run("fails on malformed number", func(t *testing.T) {
		t.Setenv("PORT", "not-a-number")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts bcrypt hash", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminPasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
		assert.NoError(t, cfg.Validate(true))
	})

	t.Run("rejects plaintext admin password", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminPasswordHash = "hunter2"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive lifetimes", func(t *testing.T) {
		cfg := validConfig()
		cfg.ManualTokenTTLSecs = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects invite shorter than scan", func(t *testing.T) {
		cfg := validConfig()
		cfg.InviteTokenTTLSecs = 60
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive limits", func(t *testing.T) {
		cfg := validConfig()
		cfg.RedeemLimitPerMin = 0
		assert.Error(t, cfg.Validate(false))

		cfg = validConfig()
		cfg.EventsPerSecond = 0
		assert.Error(t, cfg.Validate(false))

		cfg = validConfig()
		cfg.WSMaxMessageBytes = 0
		assert.Error(t, cfg.Validate(false))
	})
}
