package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/buildinfo"
	"github.com/nexusai/chgate/internal/config"
	errwrap "github.com/nexusai/chgate/internal/errors"
	"github.com/nexusai/chgate/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Run a self-health check to verify the gateway can start: version info,
logger, configuration and the local store. The upstream is not contacted; use
'upstream health' for that.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Can't log if logger is nil, so use stderr
		if observability.CLILogger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		observability.CLILogger.Info("Running health check...")

		if buildinfo.Get().Version == "" {
			observability.CLILogger.Error("❌ FAIL: Version information missing")
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		observability.CLILogger.Debug("Version check passed", zap.String("version", buildinfo.Get().Version))
		observability.CLILogger.Info("✅ Version information available")
		observability.CLILogger.Info("✅ Logger initialized")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			observability.CLILogger.Error("❌ FAIL: Configuration invalid")
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		observability.CLILogger.Info("✅ Configuration valid",
			zap.String("cache_backend", cfg.Cache.Backend),
			zap.Int("rate_limit_requests", cfg.RateLimit.Requests))

		if cfg.Upstream.APIKey == "" {
			observability.CLILogger.Warn("⚠️  Upstream API key not set; company lookups will fail")
		} else {
			observability.CLILogger.Info("✅ Upstream API key set")
		}

		db, err := openStoreWith(cmd.Context(), cfg.Store)
		if err != nil {
			observability.CLILogger.Error("❌ FAIL: Store unavailable")
			ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Store unavailable", errwrap.WrapDatabaseError(cmd.Context(), err, "open store"))
			return
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		if err := db.Ping(cmd.Context()); err != nil {
			observability.CLILogger.Error("❌ FAIL: Store ping failed")
			ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Store ping failed", errwrap.WrapDatabaseError(cmd.Context(), err, "ping store"))
			return
		}
		observability.CLILogger.Info("✅ Store reachable", zap.String("driver", db.Driver()))

		observability.CLILogger.Info("")
		observability.CLILogger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
