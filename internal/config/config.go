// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the tunables for the resilience core.
type Config struct {
	Cache   CacheConfig
	Retry   RetryConfig
	Token   TokenConfig
	Diag    DiagConfig
	DataDir string `env:"OFFLINEKIT_DATA_DIR" envDefault:"."`
}

// CacheConfig bounds the cache.
type CacheConfig struct {
	MaxMB      int64 `env:"OFFLINEKIT_CACHE_MAX_MB" envDefault:"50"`
	MaxEntries int   `env:"OFFLINEKIT_CACHE_MAX_ENTRIES" envDefault:"500"`

	// SQLitePath, when set, backs the durable store with SQLite instead
	// of one file per key under DataDir.
	SQLitePath string `env:"OFFLINEKIT_CACHE_SQLITE"`
}

// RetryConfig sets the circuit breaker knobs; per-call retry pacing comes
// from the retry package's presets.
type RetryConfig struct {
	BreakerThreshold int           `env:"OFFLINEKIT_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset     time.Duration `env:"OFFLINEKIT_BREAKER_RESET" envDefault:"60s"`
}

// TokenConfig points at the refresh endpoint and tunes refresh pacing.
type TokenConfig struct {
	RefreshURL         string        `env:"OFFLINEKIT_TOKEN_REFRESH_URL"`
	RefreshBuffer      time.Duration `env:"OFFLINEKIT_REFRESH_BUFFER" envDefault:"2m"`
	MinRefreshInterval time.Duration `env:"OFFLINEKIT_MIN_REFRESH_INTERVAL" envDefault:"30s"`
}

// DiagConfig configures the diagnostics HTTP surface.
type DiagConfig struct {
	Addr string `env:"OFFLINEKIT_DIAG_ADDR" envDefault:"127.0.0.1:6060"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Cache.MaxMB <= 0 {
		return fmt.Errorf("OFFLINEKIT_CACHE_MAX_MB must be positive, got %d", c.Cache.MaxMB)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("OFFLINEKIT_CACHE_MAX_ENTRIES must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Retry.BreakerThreshold <= 0 {
		return fmt.Errorf("OFFLINEKIT_BREAKER_THRESHOLD must be positive, got %d", c.Retry.BreakerThreshold)
	}
	if c.Token.RefreshBuffer < 0 || c.Token.MinRefreshInterval < 0 {
		return fmt.Errorf("token refresh durations must not be negative")
	}
	return nil
}

// CacheMaxBytes is the cache size budget in bytes.
func (c *Config) CacheMaxBytes() int64 {
	return c.Cache.MaxMB << 20
}
