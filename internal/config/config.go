package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port               int      `env:"PORT" envDefault:"8080"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL        string   `env:"DATABASE_URL"`
	RedisURL           string   `env:"REDIS_URL"`
	AdminPasswordHash  string   `env:"ADMIN_PASSWORD_HASH"`
	AllowedOrigins     []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	ScanTokenTTLSecs   int      `env:"SCAN_TOKEN_TTL_SECONDS" envDefault:"300"`
	InviteTokenTTLSecs int      `env:"INVITE_TOKEN_TTL_SECONDS" envDefault:"86400"`
	ManualTokenTTLSecs int      `env:"MANUAL_TOKEN_TTL_SECONDS" envDefault:"300"`
	DeviceGraceSecs    int      `env:"DEVICE_GRACE_SECONDS" envDefault:"300"`
	RedeemLimitPerMin  int      `env:"REDEEM_LIMIT_PER_MIN" envDefault:"10"`
	EventsPerSecond    float64  `env:"EVENTS_PER_SECOND" envDefault:"20"`
	UsageRetentionDays int      `env:"USAGE_RETENTION_DAYS" envDefault:"30"`
	WSMaxMessageBytes  int64    `env:"WS_MAX_MESSAGE_BYTES" envDefault:"1048576"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ScanTokenTTL() time.Duration {
	return time.Duration(c.ScanTokenTTLSecs) * time.Second
}

func (c *Config) InviteTokenTTL() time.Duration {
	return time.Duration(c.InviteTokenTTLSecs) * time.Second
}

func (c *Config) ManualTokenTTL() time.Duration {
	return time.Duration(c.ManualTokenTTLSecs) * time.Second
}

func (c *Config) DeviceGrace() time.Duration {
	return time.Duration(c.DeviceGraceSecs) * time.Second
}

func (c *Config) UsageRetention() time.Duration {
	return time.Duration(c.UsageRetentionDays) * 24 * time.Hour
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2y$") {
			return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <password>)")
		}
	}

	for name, secs := range map[string]int{
		"SCAN_TOKEN_TTL_SECONDS":   c.ScanTokenTTLSecs,
		"INVITE_TOKEN_TTL_SECONDS": c.InviteTokenTTLSecs,
		"MANUAL_TOKEN_TTL_SECONDS": c.ManualTokenTTLSecs,
		"DEVICE_GRACE_SECONDS":     c.DeviceGraceSecs,
	} {
		if secs <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.InviteTokenTTLSecs < c.ScanTokenTTLSecs {
		return fmt.Errorf("INVITE_TOKEN_TTL_SECONDS must not be shorter than SCAN_TOKEN_TTL_SECONDS")
	}
	if c.RedeemLimitPerMin <= 0 {
		return fmt.Errorf("REDEEM_LIMIT_PER_MIN must be positive")
	}
	if c.EventsPerSecond <= 0 {
		return fmt.Errorf("EVENTS_PER_SECOND must be positive")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive")
	}

	if isProduction {
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("ALLOWED_ORIGINS is empty in production: websocket upgrades accepted from any origin")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
