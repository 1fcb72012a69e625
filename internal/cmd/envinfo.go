package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/buildinfo"
	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		identity := GetAppIdentity()
		report := buildinfo.NewReport(identity.BinaryName)

		log.Info("=== " + identity.BinaryName + " Environment Information ===")
		log.Info("")
		log.Info("Application:")
		log.Info("  Name:       " + report.App.Name)
		log.Info("  Version:    "+report.App.Version, zap.String("version", report.App.Version))
		log.Info("  Commit:     " + report.App.Commit)
		log.Info("  Built:      " + report.App.BuildDate)
		log.Info("")
		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+report.Dependencies.Gofulmen, zap.String("gofulmen_version", report.Dependencies.Gofulmen))
		log.Info("  Crucible:   "+report.Dependencies.Crucible, zap.String("crucible_version", report.Dependencies.Crucible))
		log.Info("")
		log.Info("Runtime:")
		log.Info("  Go Version: "+report.App.GoVersion, zap.String("go_version", report.App.GoVersion))
		log.Info("  Platform:   "+report.Runtime.Platform, zap.String("platform", report.Runtime.Platform))
		log.Info(fmt.Sprintf("  NumCPU:     %d", report.Runtime.NumCPU), zap.Int("num_cpu", report.Runtime.NumCPU))
		log.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		// Configuration
		log.Info("Configuration:")
		log.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		log.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		log.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         "+redactURL(cfg.Store.URL), zap.String("db_url", redactURL(cfg.Store.URL)))
		} else {
			log.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		log.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		configFile := config.ConfigFileUsed()
		if configFile == "" {
			configFile = config.DefaultConfigPath()
		}
		log.Info("  Config File:    "+configFile, zap.String("config_file", configFile))
		log.Info("")

		// Upstream
		log.Info("Upstream:")
		log.Info("  Base URL:       "+cfg.Upstream.BaseURL, zap.String("base_url", cfg.Upstream.BaseURL))
		log.Info("  API Key:        "+secretStatus(cfg.Upstream.APIKey))
		log.Info("  Timeout:        "+cfg.Upstream.Timeout.String(), zap.Duration("timeout", cfg.Upstream.Timeout))
		log.Info(fmt.Sprintf("  Items/Page:     %d", cfg.Upstream.ItemsPerPage))
		log.Info("")

		// Budget and retry
		log.Info("Rate Limit:")
		log.Info(fmt.Sprintf("  Budget:         %d per %s", cfg.RateLimit.Requests, cfg.RateLimit.Window),
			zap.Int("requests", cfg.RateLimit.Requests), zap.Duration("window", cfg.RateLimit.Window))
		log.Info(fmt.Sprintf("  Margin:         %.2f", cfg.RateLimit.Margin))
		log.Info(fmt.Sprintf("  Overrides:      %d", len(cfg.RateLimit.Overrides)))
		log.Info(fmt.Sprintf("  Retry:          %d attempts, %s base, %s max", cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay))
		log.Info(fmt.Sprintf("  Tenant Keys:    %t", cfg.Server.TenantPartitioning))
		log.Info("")

		// Cache
		log.Info("Cache:")
		log.Info("  Backend:        "+cfg.Cache.Backend, zap.String("cache_backend", cfg.Cache.Backend))
		log.Info(fmt.Sprintf("  TTLs:           search=%s profile=%s officers=%s psc=%s",
			cfg.Cache.SearchTTL, cfg.Cache.ProfileTTL, cfg.Cache.OfficersTTL, cfg.Cache.PSCTTL))
		if cfg.Cache.Backend == "redis" {
			log.Info("  Redis Addr:     "+cfg.Redis.Addr, zap.String("redis_addr", cfg.Redis.Addr))
		}
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}

func secretStatus(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

// redactURL drops credentials and query parameters (libsql authToken) from a
// store URL.
func redactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "(unparseable)"
	}
	return u.Scheme + "://" + u.Host + u.Path
}
