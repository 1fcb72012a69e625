package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/buildinfo"
	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/store"
	errwrap "github.com/nexusai/chgate/internal/errors"
	"github.com/nexusai/chgate/internal/metrics"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/server"
	"github.com/nexusai/chgate/internal/server/handlers"
	servermw "github.com/nexusai/chgate/internal/server/middleware"
)

const (
	throttleJanitorInterval = time.Minute
	limiterPersistInterval  = time.Minute
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// storeHealthChecker pings the libsql store that holds rate limit snapshots.
type storeHealthChecker struct {
	db *store.Store
}

func (s storeHealthChecker) CheckHealth(ctx context.Context) error {
	if s.db == nil {
		return errwrap.NewDatabaseError("store not opened")
	}
	return s.db.Ping(ctx)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long: `Start the HTTP gateway with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload rate limit overrides and margin

Rate limit state is persisted to the store on shutdown and periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := config.Load(ctx, serveOverrides(cmd))
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration", err)
		}

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		observability.InitServerLogger(observability.ServerLogOptions{
			Service:   identity.BinaryName,
			Level:     cfg.Logging.Level,
			Profile:   cfg.Logging.Profile,
			Namespace: namespace,
		})
		logger := observability.ServerLogger

		metricsPort := cfg.Metrics.Port
		if metricsPort == 0 {
			metricsPort = observability.DefaultMetricsPort
		}
		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, metricsPort, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		rt, err := buildGateway(ctx, cfg, gatewayOptions{Logger: logger})
		if err != nil {
			if isConfigError(err) {
				ExitWithCode(logger, foundry.ExitConfigInvalid, "Invalid configuration", err)
			}
			return err
		}
		rt.StartJanitors(ctx)
		startLimiterPersistence(ctx, rt)

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", buildinfo.Get().Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", metricsPort),
			zap.String("cache_backend", cfg.Cache.Backend),
			zap.Int("rate_limit_requests", cfg.RateLimit.Requests),
			zap.Duration("rate_limit_window", cfg.RateLimit.Window))

		if cfg.Cache.Backend == cache.BackendRedis {
			logger.Warn("Redis shares cached responses only; each instance still spends its own rate limit budget",
				zap.Int("rate_limit_requests", cfg.RateLimit.Requests))
		}

		handlers.InitHealthManager(buildinfo.Get().Version)
		hm := handlers.GetHealthManager()
		hm.RegisterOptionalChecker("response_cache", handlers.CacheChecker{Cache: rt.Cache})
		hm.RegisterChecker("store", storeHealthChecker{db: rt.Store})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		hm.SetBudgetReporter(func() core.RateLimitStatus { return rt.Gateway.RateLimitStatus("") })

		handlers.SetAppIdentity(identity)

		opts := []server.Option{
			server.WithCompanyService(rt.Gateway),
			server.WithTenantPartitioning(cfg.Server.TenantPartitioning),
			server.WithTimeouts(server.Timeouts{
				Read:  cfg.Server.ReadTimeout,
				Write: cfg.Server.WriteTimeout,
				Idle:  cfg.Server.IdleTimeout,
			}),
		}
		if cfg.Server.Throttle.RPS > 0 {
			throttle := servermw.NewThrottle(cfg.Server.Throttle.RPS, cfg.Server.Throttle.Burst)
			throttle.StartJanitor(ctx, throttleJanitorInterval)
			opts = append(opts, server.WithThrottle(throttle))
		}

		srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)
		metrics.SetServerStartTime(time.Now().Unix())

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Persist budgets, release cache/store connections, stop the exporter
		signals.OnShutdown(func(ctx context.Context) error {
			cancel()
			if err := rt.Close(ctx); err != nil {
				logger.Warn("Gateway shutdown incomplete", zap.Error(err))
			}
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Metrics exporter did not stop cleanly", zap.Error(err))
			}
			return nil
		})

		// Handler 3: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
			defer cancelShutdown()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading configuration")

			reloaded, err := config.Load(ctx, serveOverrides(cmd))
			if err != nil {
				logger.Error("Failed to reload config", zap.String("file", config.ConfigFileUsed()), zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			rt.Limiter.ApplyOverrides(reloaded.RateLimit.Overrides)
			rt.Limiter.ApplySafetyMargin(reloaded.RateLimit.Margin)
			if err := rt.PersistLimiter(ctx); err != nil {
				logger.Warn("Failed to persist rate limit state", zap.Error(err))
			}

			logger.Info("Configuration reloaded; server, cache and upstream settings apply on restart",
				zap.Int("rate_limit_overrides", len(reloaded.RateLimit.Overrides)),
				zap.Float64("rate_limit_margin", reloaded.RateLimit.Margin))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "server port (overrides server.port)")
}

// serveOverrides turns explicitly set flags into config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	serverOverrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		serverOverrides["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		serverOverrides["port"] = serverPort
	}
	if len(serverOverrides) == 0 {
		return nil
	}
	return map[string]any{"server": serverOverrides}
}

// startLimiterPersistence snapshots budgets so a crash loses at most one
// interval of spend.
func startLimiterPersistence(ctx context.Context, rt *gatewayRuntime) {
	go func() {
		t := time.NewTicker(limiterPersistInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := rt.PersistLimiter(ctx); err != nil {
					rt.warn("Failed to persist rate limit state", err)
				}
			}
		}
	}()
}
