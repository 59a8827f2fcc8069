// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package config loads daemon configuration using Koanf v2 with layered
// sources: built-in defaults, an optional YAML file, then environment
// variables with the COACHSYNC_ prefix. Precedence: ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/coachsync/config.yaml",
	"/etc/coachsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "COACHSYNC_CONFIG_PATH"

// envPrefix namespaces every CoachSync environment variable.
const envPrefix = "COACHSYNC_"

// Config is the full daemon configuration.
type Config struct {
	Store   StoreConfig   `koanf:"store"`
	Outbox  OutboxConfig  `koanf:"outbox"`
	Sync    SyncConfig    `koanf:"sync"`
	Cache   CacheConfig   `koanf:"cache"`
	Gateway GatewayConfig `koanf:"gateway"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// StoreConfig configures the durable entity store.
type StoreConfig struct {
	// Path is the BadgerDB directory. Must be durable storage.
	Path string `koanf:"path"`

	// SyncWrites forces fsync after every write.
	SyncWrites bool `koanf:"sync_writes"`
}

// OutboxConfig configures the mutation retry policy.
type OutboxConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
}

// SyncConfig configures the coordinator.
type SyncConfig struct {
	Interval      time.Duration `koanf:"interval"`
	Workers       int           `koanf:"workers"`
	PullTimeout   time.Duration `koanf:"pull_timeout"`
	PushTimeout   time.Duration `koanf:"push_timeout"`
	DrainInterval time.Duration `koanf:"drain_interval"`
}

// CacheConfig configures the TTL cache for read-mostly remote data.
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// GatewayConfig configures the client-side protections wrapped around the
// network gateway.
type GatewayConfig struct {
	// RateLimit is the sustained request rate toward the backend, in
	// requests per second. Zero disables the limiter.
	RateLimit float64 `koanf:"rate_limit"`

	// RateBurst is the limiter's burst allowance.
	RateBurst int `koanf:"rate_burst"`

	// BreakerEnabled wraps gateway calls in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// ServerConfig configures the daemon's HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before the config
// file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:       "/data/coachsync",
			SyncWrites: true,
		},
		Outbox: OutboxConfig{
			MaxAttempts: 3,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			Workers:       4,
			PullTimeout:   10 * time.Second,
			PushTimeout:   30 * time.Second,
			DrainInterval: 250 * time.Millisecond,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			RateLimit:      10,
			RateBurst:      20,
			BreakerEnabled: true,
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    7410,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration from all layers and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// COACHSYNC_STORE_PATH -> store.path
	// COACHSYNC_OUTBOX_MAX_ATTEMPTS -> outbox.max_attempts
	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps COACHSYNC_<SECTION>_<FIELD> to <section>.<field>.
// The first underscore after the prefix separates the section; remaining
// underscores stay in the field name.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be at least 1")
	}
	if c.Outbox.BackoffBase <= 0 {
		return fmt.Errorf("outbox.backoff_base must be positive")
	}
	if c.Outbox.BackoffCap < c.Outbox.BackoffBase {
		return fmt.Errorf("outbox.backoff_cap must be >= outbox.backoff_base")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if c.Sync.PullTimeout <= 0 || c.Sync.PushTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	if c.Sync.DrainInterval <= 0 {
		return fmt.Errorf("sync.drain_interval must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway.rate_limit cannot be negative")
	}
	if c.Gateway.RateLimit > 0 && c.Gateway.RateBurst < 1 {
		return fmt.Errorf("gateway.rate_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
