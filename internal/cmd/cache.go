package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core/cache"
	"github.com/nexusai/chgate/internal/core/gateway"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the response cache",
	Long: `Inspect and manage the response cache.

With the memory backend each CLI process starts empty; use the store or
redis backend to share cached responses between runs.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache backend, size and per-entry age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(ctx context.Context, rt *gatewayRuntime) error {
			g := &gateway.Gateway{Cache: rt.Cache}
			stats, err := g.CacheStats(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, "cache.stats", func(f output.Formatter) (string, error) {
				return f.FormatCacheStats(stats)
			})
		})
	},
}

var cachePurgeYes bool

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every cached response",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cachePurgeYes {
			return errors.New("purge requires --yes")
		}
		return withCache(cmd, func(ctx context.Context, rt *gatewayRuntime) error {
			purger, ok := rt.Cache.(cache.Purger)
			if !ok {
				return fmt.Errorf("cache backend %q does not support purge", rt.cfg.Cache.Backend)
			}
			removed, err := purger.Purge(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d cache entr(ies)\n", removed)
			return err
		})
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <number>",
	Short: "Drop cached profile, officer and PSC pages for one company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(ctx context.Context, rt *gatewayRuntime) error {
			g := &gateway.Gateway{Cache: rt.Cache}
			removed, err := g.InvalidateCompany(ctx, args[0])
			if err != nil {
				return cliError(ctx, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d key(s) for %s\n", removed, args[0])
			return err
		})
	},
}

func init() {
	addOutputFlags(cacheStatsCmd)
	cachePurgeCmd.Flags().BoolVar(&cachePurgeYes, "yes", false, "Confirm purge")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}

// withCache opens the store and cache backend without requiring upstream
// credentials.
func withCache(cmd *cobra.Command, fn func(ctx context.Context, rt *gatewayRuntime) error) error {
	ctx := cmd.Context()
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			observability.CLILogger.Warn("Failed to release cache resources", zap.Error(cerr))
		}
	}()

	if cfg.Cache.Backend == cache.BackendMemory {
		observability.CLILogger.Warn("Memory cache is per-process; this command only sees its own empty cache")
	}
	return fn(ctx, rt)
}
