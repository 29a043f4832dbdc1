// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete broker configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Store       StoreConfig      `yaml:"store"`
	Upstream    UpstreamConfig   `yaml:"upstream"`
	Credentials []CredentialSeed `yaml:"credentials"`
	KeyPool     KeyPoolConfig    `yaml:"key_pool"`
	Registry    RegistryConfig   `yaml:"registry"`
	Breaker     BreakerConfig    `yaml:"breaker"`
	Selection   SelectionConfig  `yaml:"selection"`
	Retry       RetryConfig      `yaml:"retry"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP listener settings for the daemon.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects and configures the usage store backend.
type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// UpstreamConfig contains the model endpoint settings.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CredentialSeed is a credential loaded into the pool at startup.
type CredentialSeed struct {
	Secret     string `yaml:"secret"`
	DailyLimit int    `yaml:"daily_limit"`
	QuotaTier  string `yaml:"quota_tier"`
}

// KeyPoolConfig contains rotation and spacing settings.
type KeyPoolConfig struct {
	SwitchMargin int           `yaml:"switch_margin"`
	SwitchSlack  int           `yaml:"switch_slack"`
	MinInterval  time.Duration `yaml:"min_interval"`
	// RedisAddr enables the distributed interval limiter when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

// RegistryConfig contains catalog discovery settings.
type RegistryConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SelectionConfig contains model selection settings.
type SelectionConfig struct {
	// Strategy is performance, cost, or reliability.
	Strategy     string `yaml:"strategy"`
	PreferFree   bool   `yaml:"prefer_free"`
	MaxFallbacks int    `yaml:"max_fallbacks"`
}

// RetryConfig contains per-model retry settings.
type RetryConfig struct {
	Count      int           `yaml:"count"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Upstream: UpstreamConfig{
			Timeout: 120 * time.Second,
		},
		KeyPool: KeyPoolConfig{
			SwitchMargin: 10,
			SwitchSlack:  10,
		},
		Registry: RegistryConfig{
			TTL:             time.Hour,
			RefreshInterval: time.Hour,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          300 * time.Second,
		},
		Selection: SelectionConfig{
			Strategy:     "performance",
			MaxFallbacks: 3,
		},
		Retry: RetryConfig{
			Count:      3,
			Backoff:    time.Second,
			MaxBackoff: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.database is required")
		}
		if c.Store.Postgres.User == "" {
			return fmt.Errorf("store.postgres.user is required")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	for i, seed := range c.Credentials {
		if seed.Secret == "" {
			return fmt.Errorf("credentials[%d]: secret is required", i)
		}
		if seed.DailyLimit < 0 {
			return fmt.Errorf("credentials[%d]: daily_limit cannot be negative", i)
		}
	}

	switch c.Selection.Strategy {
	case "", "performance", "cost", "reliability":
	default:
		return fmt.Errorf("unknown selection strategy: %q", c.Selection.Strategy)
	}

	if c.KeyPool.SwitchMargin < 0 {
		return fmt.Errorf("key_pool.switch_margin cannot be negative")
	}
	if c.KeyPool.MinInterval < 0 {
		return fmt.Errorf("key_pool.min_interval cannot be negative")
	}
	if c.Retry.Count < 0 {
		return fmt.Errorf("retry.count cannot be negative")
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker.failure_threshold cannot be negative")
	}

	return nil
}
