package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/upstream"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/server/handlers"
)

type checkLevel int

const (
	checkPass checkLevel = iota
	checkWarn
	checkFail
)

func (l checkLevel) icon() string {
	switch l {
	case checkPass:
		return "✅"
	case checkWarn:
		return "⚠️ "
	default:
		return "❌"
	}
}

type checkResult struct {
	level  checkLevel
	detail string
	fields []zap.Field
	// stop skips the remaining checks.
	stop bool
}

func pass(detail string, fields ...zap.Field) checkResult {
	return checkResult{level: checkPass, detail: detail, fields: fields}
}

func warn(detail string, fields ...zap.Field) checkResult {
	return checkResult{level: checkWarn, detail: detail, fields: fields}
}

func fail(detail string, fields ...zap.Field) checkResult {
	return checkResult{level: checkFail, detail: detail, fields: fields}
}

// doctorEnv is filled in by earlier checks and read by later ones.
type doctorEnv struct {
	cfg    *config.Config
	rt     *gatewayRuntime
	prefix string
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, env *doctorEnv) checkResult
}

type doctorSummary struct {
	passed, warned, failed, skipped int
}

// runChecks executes checks in order, logging one line per check.
func runChecks(ctx context.Context, logger *logging.Logger, env *doctorEnv, checks []doctorCheck) doctorSummary {
	var summary doctorSummary
	for i, check := range checks {
		res := check.run(ctx, env)
		line := fmt.Sprintf("[%d/%d] %s... %s %s", i+1, len(checks), check.name, res.level.icon(), res.detail)

		switch res.level {
		case checkPass:
			summary.passed++
			logger.Info(line, res.fields...)
		case checkWarn:
			summary.warned++
			logger.Warn(line, res.fields...)
		default:
			summary.failed++
			logger.Error(line, res.fields...)
		}

		if res.stop {
			summary.skipped = len(checks) - i - 1
			logger.Warn(fmt.Sprintf("Skipped %d check(s) that need %s", summary.skipped, check.name))
			break
		}
	}
	return summary
}

var doctorUpstream bool

func doctorChecks(probeUpstream bool) []doctorCheck {
	checks := []doctorCheck{
		{name: "Checking configuration", run: checkConfig},
		{name: "Checking upstream API key", run: checkAPIKey},
		{name: "Checking store", run: checkStoreFile},
		{name: "Checking cache backend", run: checkCacheBackend},
		{name: "Checking rate limit state", run: checkRateLimitState},
	}
	if probeUpstream {
		checks = append(checks, doctorCheck{name: "Checking upstream reachability", run: checkUpstream})
	}
	return checks
}

func checkConfig(ctx context.Context, env *doctorEnv) checkResult {
	cfg, err := config.Load(ctx)
	if err != nil {
		res := fail("invalid", zap.Error(err))
		res.stop = true
		return res
	}
	env.cfg = cfg

	path := config.ConfigFileUsed()
	if path == "" {
		return pass("defaults (no config file)")
	}
	return pass(path, zap.String("config_file", path))
}

func checkAPIKey(_ context.Context, env *doctorEnv) checkResult {
	if env.cfg.Upstream.APIKey == "" {
		return warn(fmt.Sprintf("not set (set %sAPI_KEY)", env.prefix))
	}
	return pass("set")
}

func checkStoreFile(_ context.Context, env *doctorEnv) checkResult {
	if env.cfg.Store.URL != "" {
		return pass(redactURL(env.cfg.Store.URL)+" (remote)", zap.String("db_url", redactURL(env.cfg.Store.URL)))
	}

	absPath, _ := filepath.Abs(env.cfg.Store.Path)
	info, err := os.Stat(absPath)
	switch {
	case err == nil:
		return pass(fmt.Sprintf("%s (%s)", absPath, formatFileSize(info.Size())), zap.Int64("db_size", info.Size()))
	case os.IsNotExist(err):
		return warn(absPath + " (not created yet)")
	default:
		return fail(absPath, zap.Error(err))
	}
}

// checkCacheBackend opens the runtime that the remaining checks share.
func checkCacheBackend(ctx context.Context, env *doctorEnv) checkResult {
	backend := env.cfg.Cache.Backend

	var (
		rt  *gatewayRuntime
		err error
	)
	if doctorUpstream && env.cfg.Upstream.APIKey != "" {
		rt, err = buildGateway(ctx, env.cfg, gatewayOptions{Logger: observability.CLILogger})
	} else {
		rt, err = newRuntime(ctx, env.cfg, observability.CLILogger)
	}
	if err != nil {
		res := fail(backend+" unavailable", zap.Error(err))
		res.stop = true
		return res
	}
	env.rt = rt

	if err := (handlers.CacheChecker{Cache: rt.Cache}).CheckHealth(ctx); err != nil {
		return fail(fmt.Sprintf("%s: %v", backend, err))
	}
	return pass(backend + " reachable")
}

func checkRateLimitState(ctx context.Context, env *doctorEnv) checkResult {
	persistedAt, err := env.rt.Store.RateLimitsPersistedAt(ctx)
	if err != nil {
		return warn("cannot read", zap.Error(err))
	}
	if persistedAt.IsZero() {
		return pass("none persisted yet")
	}

	status := env.rt.Limiter.Status(upstream.DefaultRateLimitKey)
	return pass(fmt.Sprintf("%d/%d remaining (saved %s)", status.Remaining, status.Limit, formatTimeAgo(persistedAt)),
		zap.Time("persisted_at", persistedAt))
}

// checkUpstream spends one unit of budget on a single-item search.
func checkUpstream(ctx context.Context, env *doctorEnv) checkResult {
	if env.rt == nil || env.rt.Gateway == nil {
		return warn("skipped (no API key)")
	}

	health := env.rt.Gateway.HealthCheck(ctx)
	detail := fmt.Sprintf("%s in %dms, %d remaining", health.Status, health.LatencyMs, health.RateLimitRemaining)
	switch health.Status {
	case core.HealthOK:
		return pass(detail)
	case core.HealthDegraded, core.HealthRateLimited:
		return warn(detail)
	default:
		return fail(detail, zap.String("error", health.Error))
	}
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the configuration, store, cache backend and
persisted rate limit state. --upstream also probes Companies House, which
spends one request of budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := observability.CLILogger
		identity := GetAppIdentity()

		logger.Info("=== " + identity.BinaryName + " doctor ===")
		logger.Info("")

		env := &doctorEnv{prefix: identity.Prefix()}
		summary := runChecks(ctx, logger, env, doctorChecks(doctorUpstream))
		if env.rt != nil {
			if err := env.rt.Close(ctx); err != nil {
				logger.Warn("Runtime close failed", zap.Error(err))
			}
		}

		logger.Info("")
		logger.Info(fmt.Sprintf("%d passed, %d warnings, %d failed, %d skipped",
			summary.passed, summary.warned, summary.failed, summary.skipped))
		if summary.failed > 0 {
			return fmt.Errorf("%d diagnostic check(s) failed", summary.failed)
		}
		if summary.warned == 0 {
			logger.Info(fmt.Sprintf("✅ %s is ready to serve.", identity.BinaryName))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorUpstream, "upstream", false, "also probe the upstream API (spends one request)")
}

// formatFileSize returns a human-readable file size.
func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d bytes", bytes)
	}
	value, suffix := float64(bytes)/unit, "KB"
	for _, next := range []string{"MB", "GB"} {
		if value < unit {
			break
		}
		value /= unit
		suffix = next
	}
	return fmt.Sprintf("%.1f %s", value, suffix)
}

// formatTimeAgo renders t relative to now at minute, hour or day precision.
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}

	n, unit := int(d.Minutes()), "min"
	switch {
	case d >= 24*time.Hour:
		n, unit = int(d.Hours()/24), "day"
	case d >= time.Hour:
		n, unit = int(d.Hours()), "hour"
	}
	if n != 1 {
		unit += "s"
	}
	return fmt.Sprintf("%d %s ago", n, unit)
}
