// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for skyvault. Overrides layer as
// defaults -> config file -> environment -> CLI flags.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level structure parsed from config.toml.
type Config struct {
	API       APIConfig       `toml:"api"`
	Transfers TransfersConfig `toml:"transfers"`
	Cache     CacheConfig     `toml:"cache"`
	Session   SessionConfig   `toml:"session"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the connection to the storage authority.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	ConnectTimeout string `toml:"connect_timeout"`
	MaxRetries     int    `toml:"max_retries"`
	RetryBackoff   string `toml:"retry_backoff"`
}

// TransfersConfig controls chunking and worker parallelism.
type TransfersConfig struct {
	ChunkSize    string `toml:"chunk_size"`
	Parallel     int    `toml:"parallel"`
	ChunkRetries int    `toml:"chunk_retries"`
	ChunkBackoff string `toml:"chunk_backoff"`
}

// CacheConfig controls the remote tree cache.
type CacheConfig struct {
	TTL string `toml:"ttl"`
}

// SessionConfig controls login retry behavior.
type SessionConfig struct {
	LoginAttempts int    `toml:"login_attempts"`
	LoginBackoff  string `toml:"login_backoff"`
}

// LoggingConfig controls log output: level, format, and optional file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.skyvault.example",
			ConnectTimeout: "30s",
			MaxRetries:     3,
			RetryBackoff:   "500ms",
		},
		Transfers: TransfersConfig{
			ChunkSize:    "4MiB",
			Parallel:     4,
			ChunkRetries: 3,
			ChunkBackoff: "500ms",
		},
		Cache: CacheConfig{
			TTL: "5m",
		},
		Session: SessionConfig{
			LoginAttempts: 3,
			LoginBackoff:  "2s",
		},
		Logging: LoggingConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Validate checks that every parseable field parses and every numeric field
// is in range. Returns the first problem found.
func Validate(cfg *Config) error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}

	if _, err := time.ParseDuration(cfg.API.ConnectTimeout); err != nil {
		return fmt.Errorf("api.connect_timeout: %w", err)
	}

	if _, err := time.ParseDuration(cfg.API.RetryBackoff); err != nil {
		return fmt.Errorf("api.retry_backoff: %w", err)
	}

	if cfg.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be non-negative, got %d", cfg.API.MaxRetries)
	}

	size, err := parseSize(cfg.Transfers.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfers.chunk_size: %w", err)
	}

	if size <= 0 {
		return fmt.Errorf("transfers.chunk_size must be positive, got %q", cfg.Transfers.ChunkSize)
	}

	if cfg.Transfers.Parallel <= 0 {
		return fmt.Errorf("transfers.parallel must be positive, got %d", cfg.Transfers.Parallel)
	}

	if cfg.Transfers.ChunkRetries < 0 {
		return fmt.Errorf("transfers.chunk_retries must be non-negative, got %d", cfg.Transfers.ChunkRetries)
	}

	if _, err := time.ParseDuration(cfg.Transfers.ChunkBackoff); err != nil {
		return fmt.Errorf("transfers.chunk_backoff: %w", err)
	}

	if _, err := time.ParseDuration(cfg.Cache.TTL); err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}

	if cfg.Session.LoginAttempts <= 0 {
		return fmt.Errorf("session.login_attempts must be positive, got %d", cfg.Session.LoginAttempts)
	}

	if _, err := time.ParseDuration(cfg.Session.LoginBackoff); err != nil {
		return fmt.Errorf("session.login_backoff: %w", err)
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.log_level must be debug, info, warn, or error, got %q", cfg.Logging.LogLevel)
	}

	switch cfg.Logging.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("logging.log_format must be text or json, got %q", cfg.Logging.LogFormat)
	}

	return nil
}

// ChunkSizeBytes returns the transfer chunk size in bytes. Call only on a
// validated config.
func (c *Config) ChunkSizeBytes() int64 {
	size, err := parseSize(c.Transfers.ChunkSize)
	if err != nil {
		panic("config: ChunkSizeBytes on unvalidated config: " + err.Error())
	}

	return size
}

// CacheTTL returns the parsed tree cache TTL. Call only on a validated config.
func (c *Config) CacheTTL() time.Duration {
	return mustDuration(c.Cache.TTL, "cache.ttl")
}

// ConnectTimeout returns the parsed HTTP timeout. Call only on a validated config.
func (c *Config) ConnectTimeout() time.Duration {
	return mustDuration(c.API.ConnectTimeout, "api.connect_timeout")
}

// RetryBackoff returns the parsed request retry base delay.
func (c *Config) RetryBackoff() time.Duration {
	return mustDuration(c.API.RetryBackoff, "api.retry_backoff")
}

// ChunkBackoff returns the parsed chunk retry base delay.
func (c *Config) ChunkBackoff() time.Duration {
	return mustDuration(c.Transfers.ChunkBackoff, "transfers.chunk_backoff")
}

// LoginBackoff returns the parsed login retry base delay.
func (c *Config) LoginBackoff() time.Duration {
	return mustDuration(c.Session.LoginBackoff, "session.login_backoff")
}

func mustDuration(s, field string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic("config: " + field + " on unvalidated config: " + err.Error())
	}

	return d
}
