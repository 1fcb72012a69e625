package cmd

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/upstream"
	"github.com/nexusai/chgate/internal/output"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect and manage outbound rate limit budgets",
}

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remaining budget per partition key",
	Long: `Show remaining budget per partition key, computed from the state
persisted by earlier runs. Without --key the shared key and every persisted
key are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := cmd.Flags().GetStringSlice("key")
		if err != nil {
			return err
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}
		db, err := openStoreWith(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		limiter := newLimiter(cfg)
		if err := restoreLimiter(cmd.Context(), limiter, db); err != nil {
			return err
		}

		if len(keys) == 0 {
			keys = append([]string{upstream.DefaultRateLimitKey}, limiter.Keys()...)
		}
		keys = uniqueKeys(keys)

		statuses := make([]core.RateLimitStatus, 0, len(keys))
		for _, key := range keys {
			statuses = append(statuses, limiter.Status(key))
		}

		return emit(cmd, "rate-limit.status", func(f output.Formatter) (string, error) {
			return f.FormatRateLimits(statuses)
		})
	},
}

func init() {
	addOutputFlags(rateLimitStatusCmd)
	rateLimitStatusCmd.Flags().StringSlice("key", nil, "Partition key(s) to report (repeatable)")

	rateLimitCmd.AddCommand(rateLimitStatusCmd)
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}

// uniqueKeys trims, drops blanks and duplicates, and keeps the first key in
// place while sorting the rest.
func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	if len(out) > 2 {
		rest := out[1:]
		sort.Strings(rest)
	}
	return out
}
