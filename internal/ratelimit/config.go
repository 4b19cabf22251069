package ratelimit

import (
	"time"

	appconfig "presence-service/internal/config"
)

// Config holds the limiter thresholds. All durations are wall-clock; the
// windows slide relative to the decision time, not calendar boundaries.
type Config struct {
	MaxRequestsPerHour int
	MaxRequestsPerDay  int
	Cooldown           time.Duration
	BlockDuration      time.Duration
	Retention          time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerHour: 5,
		MaxRequestsPerDay:  20,
		Cooldown:           2 * time.Minute,
		BlockDuration:      24 * time.Hour,
		Retention:          7 * 24 * time.Hour,
	}
}

// FromAppConfig maps the service configuration onto limiter thresholds,
// filling gaps with defaults.
func FromAppConfig(cfg *appconfig.Config) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	rl := cfg.RateLimit
	if rl.MaxRequestsPerHour > 0 {
		c.MaxRequestsPerHour = rl.MaxRequestsPerHour
	}
	if rl.MaxRequestsPerDay > 0 {
		c.MaxRequestsPerDay = rl.MaxRequestsPerDay
	}
	if rl.Cooldown > 0 {
		c.Cooldown = rl.Cooldown
	}
	if rl.BlockDuration > 0 {
		c.BlockDuration = rl.BlockDuration
	}
	if rl.Retention > 0 {
		c.Retention = rl.Retention
	}
	return c
}
