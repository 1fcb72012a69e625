package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/gateway"
	errwrap "github.com/nexusai/chgate/internal/errors"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/output"
)

var upstreamCmd = &cobra.Command{
	Use:   "upstream",
	Short: "Companies House upstream diagnostics",
}

var upstreamHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the upstream with one uncached request",
	Long: `Probe the upstream with one uncached search. The probe spends one unit
of rate limit budget. Exits non-zero when the upstream is down or the budget
is exhausted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status core.HealthStatus
		err := withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
			status = g.HealthCheck(ctx)
			return emit(cmd, "upstream.health", func(f output.Formatter) (string, error) {
				return f.FormatHealth(status)
			})
		})
		if err != nil {
			return err
		}

		switch status.Status {
		case core.HealthDown:
			ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Upstream is down",
				errwrap.NewServiceUnavailableError(status.Error))
		case core.HealthRateLimited:
			ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Rate limit budget exhausted",
				errwrap.NewServiceUnavailableError(status.Error))
		}
		return nil
	},
}

func init() {
	addOutputFlags(upstreamHealthCmd)
	upstreamCmd.AddCommand(upstreamHealthCmd)
	rootCmd.AddCommand(upstreamCmd)
}
