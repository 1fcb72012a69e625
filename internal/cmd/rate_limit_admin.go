package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nexusai/chgate/internal/core/store"
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted rate limit state",
	Long: `List the rate limit state persisted by earlier runs. Without --key or
--prefix every partition is listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := rateLimitQueryFromFlags(cmd)
		if query.Validate() != nil {
			query.All = true
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		return emitValue(cmd, "rate-limit.list", entries, func() string {
			return renderRateLimitEntries(entries, time.Now())
		})
	},
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete persisted rate limit state",
	Long: `Delete persisted rate limit state so the next run starts with a full
budget. A running server keeps its in-memory budget until it restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := rateLimitQueryFromFlags(cmd)
		if err := query.Validate(); err != nil {
			return err
		}
		yes, _ := cmd.Flags().GetBool("yes")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if query.All && !yes && !dryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		result := rateLimitResetResult{DryRun: dryRun}
		if result.Matched, err = db.CountRateLimits(cmd.Context(), query); err != nil {
			return err
		}
		if !dryRun {
			if result.Deleted, err = db.ResetRateLimits(cmd.Context(), query); err != nil {
				return err
			}
		}
		return emitValue(cmd, "rate-limit.reset", result, result.summary)
	},
}

type rateLimitResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

func (r rateLimitResetResult) summary() string {
	line := fmt.Sprintf("Deleted %d of %d partition(s)", r.Deleted, r.Matched)
	if r.DryRun {
		line = fmt.Sprintf("Would delete %d partition(s)", r.Matched)
	}
	return ascii.DrawBox(line, 0)
}

func init() {
	for _, c := range []*cobra.Command{rateLimitListCmd, rateLimitResetCmd} {
		addOutputFlags(c)
		c.Flags().Bool("all", false, "Select every partition key")
		c.Flags().String("key", "", "Select a single partition key (exact match)")
		c.Flags().String("prefix", "", "Select keys with a matching prefix (e.g. tenant:)")
	}
	rateLimitResetCmd.Flags().Bool("yes", false, "Confirm resetting every key")
	rateLimitResetCmd.Flags().Bool("dry-run", false, "Report matches without deleting")
}

func rateLimitQueryFromFlags(cmd *cobra.Command) store.RateLimitQuery {
	all, _ := cmd.Flags().GetBool("all")
	key, _ := cmd.Flags().GetString("key")
	prefix, _ := cmd.Flags().GetString("prefix")
	return store.RateLimitQuery{All: all, Key: strings.TrimSpace(key), Prefix: strings.TrimSpace(prefix)}
}

func renderRateLimitEntries(entries []store.RateLimitEntry, now time.Time) string {
	if len(entries) == 0 {
		return ascii.DrawBox("No persisted rate limit state", 0)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Persisted Rate Limits")
	t.AppendHeader(table.Row{"Key", "Count", "Window start", "Backoff until", "Last 429"})
	for _, entry := range entries {
		backoff := formatOptionalTime(entry.State.BackoffUntil)
		if entry.State.BackingOff(now) {
			backoff += " (active)"
		}
		t.AppendRow(table.Row{
			entry.Key,
			entry.State.RequestCount,
			entry.State.WindowStart.UTC().Format(time.RFC3339),
			backoff,
			formatOptionalTime(entry.State.Last429At),
		})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d key(s)", len(entries))})
	return t.Render()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
