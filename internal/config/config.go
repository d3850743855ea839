// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package config loads layered configuration with Koanf v2:
// built-in defaults, then an optional YAML file, then environment
// variables. Highest priority wins.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the AtlasLive server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Redis    RedisConfig    `koanf:"redis"`
	Postgres PostgresConfig `koanf:"postgres"`
	Collab   CollabConfig   `koanf:"collab"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RedisConfig holds broker connection settings. Redis serves as both the
// cross-process relay channel and the bounded event history store.
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
	PoolSize int    `koanf:"pool_size" validate:"min=1"`
}

// PostgresConfig holds the optional relational session metadata store.
// Live collaboration does not depend on it.
type PostgresConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// CollabConfig holds the collaboration engine tunables.
type CollabConfig struct {
	// Channel is the shared pub/sub channel name common to all processes.
	Channel string `koanf:"channel" validate:"required"`

	// HistoryLimit caps the per-session event log length.
	HistoryLimit int `koanf:"history_limit" validate:"min=1"`

	// HistoryTTL is the retention window of the per-session log, refreshed
	// on every append.
	HistoryTTL time.Duration `koanf:"history_ttl" validate:"min=1s"`

	// ReplayLimit is the number of recent events replayed to a new joiner.
	ReplayLimit int `koanf:"replay_limit" validate:"min=1"`

	// SendBuffer is the per-participant outbound queue length. A participant
	// that falls this far behind is treated as disconnected.
	SendBuffer int `koanf:"send_buffer" validate:"min=1"`
}

// SecurityConfig holds origin and rate limit settings.
type SecurityConfig struct {
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8320,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 20,
		},
		Postgres: PostgresConfig{
			Enabled: false,
			URL:     "",
		},
		Collab: CollabConfig{
			Channel:      "atlas_collaboration",
			HistoryLimit: 1000,
			HistoryTTL:   24 * time.Hour,
			ReplayLimit:  50,
			SendBuffer:   256,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Postgres.Enabled && c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required when postgres.enabled is true")
	}
	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
