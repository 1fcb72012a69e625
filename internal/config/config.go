package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config represents the complete application configuration. Values are
// resolved in order: built-in defaults, config file, environment variables,
// runtime overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Workers   int             `mapstructure:"workers"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string         `mapstructure:"host"`
	Port            int            `mapstructure:"port"`
	ReadTimeout     time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration  `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration  `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Throttle        ThrottleConfig `mapstructure:"throttle"`

	// TenantPartitioning spends upstream budget per X-Tenant-ID header
	// instead of from the shared key.
	TenantPartitioning bool `mapstructure:"tenant_partitioning"`
}

// ThrottleConfig limits inbound requests per client IP. Zero RPS disables it.
type ThrottleConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// UpstreamConfig describes the Companies House REST API.
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	ItemsPerPage int           `mapstructure:"items_per_page"`
}

// RateLimitConfig sizes the outbound rolling window.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`

	// Margin scales every budget: 0.9 spends at most 90% of it.
	Margin    float64        `mapstructure:"margin"`
	IdleTTL   time.Duration  `mapstructure:"idle_ttl"`
	Overrides map[string]int `mapstructure:"overrides"`
}

// RetryConfig configures the transient-failure retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// CacheConfig selects the response cache backend and per-category TTLs.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	SearchTTL     time.Duration `mapstructure:"search_ttl"`
	ProfileTTL    time.Duration `mapstructure:"profile_ttl"`
	OfficersTTL   time.Duration `mapstructure:"officers_ttl"`
	PSCTTL        time.Duration `mapstructure:"psc_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxEntries    int           `mapstructure:"max_entries"`
}

// RedisConfig configures the shared redis cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	PoolSize int    `mapstructure:"pool_size"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var problems []string
	if c.RateLimit.Requests <= 0 {
		problems = append(problems, "rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		problems = append(problems, "rate_limit.window must be positive")
	}
	if c.RateLimit.Margin < 0 || c.RateLimit.Margin > 1 {
		problems = append(problems, "rate_limit.margin must be between 0 and 1")
	}
	for key, value := range c.RateLimit.Overrides {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("rate_limit.overrides.%s must be positive", key))
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		problems = append(problems, "retry.jitter must be in [0, 1)")
	}
	if c.Upstream.Timeout <= 0 {
		problems = append(problems, "upstream.timeout must be positive")
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		problems = append(problems, "upstream.base_url is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Cache.Backend)) {
	case "memory", "store":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			problems = append(problems, "redis.addr is required when cache.backend is redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown cache.backend %q", c.Cache.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
