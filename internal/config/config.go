// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads process configuration from the environment (§6).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration loaded from environment
// variables. Field names follow spec §6's env var table.
type Config struct {
	DatabaseURL string `env:"WEBHOOK_DATABASE_URL" envDefault:"file:./webhook.db"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// TrackingMonitorIntervalMS is the period between polls for a single
	// registration, in milliseconds (§4.3 "P").
	TrackingMonitorIntervalMS int64 `env:"TRACKING_MONITOR_INTERVAL" envDefault:"3600000"`

	// CacheTTLMS / CacheMaxSize configure the tracking cache (§4.2).
	CacheTTLMS   int64 `env:"CACHE_TTL" envDefault:"300000"`
	CacheMaxSize int   `env:"CACHE_MAX_SIZE" envDefault:"1000"`

	// NodeEnv enables production-only validation (private-host rejection,
	// §4.7) when equal to "production".
	NodeEnv string `env:"NODE_ENV"`

	LogLevel string `env:"WEBHOOK_LOG_LEVEL" envDefault:"info"`
}

// IsProduction reports whether production-only validation applies.
func (c Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// RedisAddr returns the host:port pair go-redis expects.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// TrackingMonitorInterval is TrackingMonitorIntervalMS as a time.Duration.
func (c Config) TrackingMonitorInterval() time.Duration {
	return time.Duration(c.TrackingMonitorIntervalMS) * time.Millisecond
}

// CacheTTL is CacheTTLMS as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
