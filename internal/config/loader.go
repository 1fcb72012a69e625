// Package config provides centralized configuration management for chgate.
//
// Values are layered: built-in defaults, then the YAML config file (explicit
// path or XDG discovery), then CHGATE_* environment variables (including an
// optional .env file), then runtime overrides supplied by the caller.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nexusai/chgate/internal/appid"
)

var (
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appid.Identity

	configFile   string
	configFileMu sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// floatEnvSpec maps an env var holding a float to a config path.
type floatEnvSpec struct {
	Name string
	Path []string
}

// SetConfigFile pins the config file path. An empty path restores discovery.
func SetConfigFile(path string) {
	configFileMu.Lock()
	defer configFileMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// ConfigFileUsed returns the explicit config path, if any.
func ConfigFileUsed() string {
	configFileMu.RLock()
	defer configFileMu.RUnlock()
	return configFile
}

// Load resolves the configuration. It is safe to call repeatedly, e.g. on
// SIGHUP reload.
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path := resolveConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if envOverrides == nil {
		envOverrides = map[string]any{}
	}
	if err := applyFloatEnvOverrides(envOverrides); err != nil {
		return nil, err
	}

	allOverrides := []map[string]any{envOverrides}
	allOverrides = append(allOverrides, runtimeOverrides...)
	for _, overrides := range allOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to merge overrides: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.throttle.rps", 0)
	v.SetDefault("server.throttle.burst", 20)
	v.SetDefault("server.tenant_partitioning", false)

	v.SetDefault("upstream.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.user_agent", "chgate")
	v.SetDefault("upstream.items_per_page", 20)

	v.SetDefault("rate_limit.requests", 600)
	v.SetDefault("rate_limit.window", "5m")
	v.SetDefault("rate_limit.margin", 1.0)
	v.SetDefault("rate_limit.idle_ttl", "1h")
	v.SetDefault("rate_limit.overrides", map[string]int{})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "4s")
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.search_ttl", "5m")
	v.SetDefault("cache.profile_ttl", "24h")
	v.SetDefault("cache.officers_ttl", "6h")
	v.SetDefault("cache.psc_ttl", "6h")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.max_entries", 10000)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chgate:cache:")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
}

// resolveConfigFile returns the explicit config path, or the first existing
// file among the XDG candidates.
func resolveConfigFile() string {
	if explicit := ConfigFileUsed(); explicit != "" {
		return explicit
	}

	configName, binaryName := appNamesForPaths()
	candidates := []string{}
	if path := DefaultConfigPath(); path != "" {
		candidates = append(candidates, path)
	}
	legacy := []string{}
	if binaryName != configName {
		legacy = append(legacy, binaryName)
	}
	candidates = append(candidates, gfconfig.GetAppConfigPaths(configName, legacy...)...)
	candidates = append(candidates, filepath.Join(".", "config", configName+".yaml"))

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate
	}
	return ""
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := envPrefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},
		{Name: prefix + "THROTTLE_BURST", Path: []string{"server", "throttle", "burst"}, Type: EnvInt},
		{Name: prefix + "TENANT_PARTITIONING", Path: []string{"server", "tenant_partitioning"}, Type: EnvBool},

		// Upstream
		{Name: prefix + "API_KEY", Path: []string{"upstream", "api_key"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_BASE_URL", Path: []string{"upstream", "base_url"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_TIMEOUT", Path: []string{"upstream", "timeout"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_USER_AGENT", Path: []string{"upstream", "user_agent"}, Type: EnvString},
		{Name: prefix + "ITEMS_PER_PAGE", Path: []string{"upstream", "items_per_page"}, Type: EnvInt},

		// Rate limit and retry
		{Name: prefix + "RATE_LIMIT_REQUESTS", Path: []string{"rate_limit", "requests"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_IDLE_TTL", Path: []string{"rate_limit", "idle_ttl"}, Type: EnvString},
		{Name: prefix + "RETRY_MAX_ATTEMPTS", Path: []string{"retry", "max_attempts"}, Type: EnvInt},
		{Name: prefix + "RETRY_BASE_DELAY", Path: []string{"retry", "base_delay"}, Type: EnvString},
		{Name: prefix + "RETRY_MAX_DELAY", Path: []string{"retry", "max_delay"}, Type: EnvString},

		// Cache
		{Name: prefix + "CACHE_BACKEND", Path: []string{"cache", "backend"}, Type: EnvString},
		{Name: prefix + "CACHE_SEARCH_TTL", Path: []string{"cache", "search_ttl"}, Type: EnvString},
		{Name: prefix + "CACHE_PROFILE_TTL", Path: []string{"cache", "profile_ttl"}, Type: EnvString},
		{Name: prefix + "CACHE_OFFICERS_TTL", Path: []string{"cache", "officers_ttl"}, Type: EnvString},
		{Name: prefix + "CACHE_PSC_TTL", Path: []string{"cache", "psc_ttl"}, Type: EnvString},
		{Name: prefix + "CACHE_MAX_ENTRIES", Path: []string{"cache", "max_entries"}, Type: EnvInt},
		{Name: prefix + "REDIS_ADDR", Path: []string{"redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"redis", "password"}, Type: EnvString},
		{Name: prefix + "REDIS_DB", Path: []string{"redis", "db"}, Type: EnvInt},
		{Name: prefix + "REDIS_PREFIX", Path: []string{"redis", "prefix"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},

		// Workers
		{Name: prefix + "WORKERS", Path: []string{"workers"}, Type: EnvInt},
	}
}

func getFloatEnvSpecs() []floatEnvSpec {
	prefix := envPrefix()
	return []floatEnvSpec{
		{Name: prefix + "RATE_LIMIT_MARGIN", Path: []string{"rate_limit", "margin"}},
		{Name: prefix + "RETRY_JITTER", Path: []string{"retry", "jitter"}},
		{Name: prefix + "THROTTLE_RPS", Path: []string{"server", "throttle", "rps"}},
	}
}

func applyFloatEnvOverrides(envOverrides map[string]any) error {
	for _, spec := range getFloatEnvSpecs() {
		raw := strings.TrimSpace(os.Getenv(spec.Name))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", spec.Name, err)
		}
		setPath(envOverrides, spec.Path, value)
	}
	return nil
}

func setPath(root map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func envPrefix() string {
	return appIdentity.Prefix()
}

// appNamesForPaths returns the config name and binary name from app identity.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "chgate"
	binaryName = "chgate"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultCacheDir returns the XDG-compliant cache directory for the app.
func DefaultCacheDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppCacheDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}
