package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/gateway"
	"github.com/nexusai/chgate/internal/core/upstream"
	errwrap "github.com/nexusai/chgate/internal/errors"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/output"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search companies by name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		page, _ := cmd.Flags().GetInt("page")

		return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
			result, err := g.SearchCompanies(ctx, query, page)
			if err != nil {
				return err
			}
			return emit(cmd, "search-"+query, func(f output.Formatter) (string, error) {
				return f.FormatSearch(result)
			})
		})
	},
}

var companyCmd = &cobra.Command{
	Use:   "company <number>",
	Short: "Show a company profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
			profile, err := g.GetCompanyProfile(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, "company-"+profile.CompanyNumber, func(f output.Formatter) (string, error) {
				return f.FormatProfile(profile)
			})
		})
	},
}

var officersCmd = &cobra.Command{
	Use:   "officers <number>",
	Short: "List a company's officers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")

		return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
			result, err := g.GetOfficers(ctx, args[0], page)
			if err != nil {
				return err
			}
			return emit(cmd, "officers-"+result.CompanyNumber, func(f output.Formatter) (string, error) {
				return f.FormatOfficers(result)
			})
		})
	},
}

var pscCmd = &cobra.Command{
	Use:   "psc <number>",
	Short: "List a company's persons with significant control",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")

		return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
			result, err := g.GetPSCs(ctx, args[0], page)
			if err != nil {
				return err
			}
			return emit(cmd, "psc-"+result.CompanyNumber, func(f output.Formatter) (string, error) {
				return f.FormatPSCs(result)
			})
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, companyCmd, officersCmd, pscCmd} {
		addOutputFlags(c)
		c.Flags().Bool("no-cache", false, "Bypass the response cache")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{searchCmd, officersCmd, pscCmd} {
		c.Flags().Int("page", 1, "Result page (1-based)")
	}
}

// withGateway builds a runtime for one CLI invocation, runs fn, and persists
// the spent budget on the way out.
func withGateway(cmd *cobra.Command, fn func(ctx context.Context, g *gateway.Gateway) error) error {
	ctx := cmd.Context()
	noCache := false
	if f := cmd.Flags().Lookup("no-cache"); f != nil {
		noCache, _ = cmd.Flags().GetBool("no-cache")
	}
	if f := cmd.Flags().Lookup("output-format"); f != nil {
		if _, err := output.ParseFormat(f.Value.String()); err != nil {
			return err
		}
	}

	rt, err := openGateway(ctx, noCache)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			observability.CLILogger.Warn("Failed to release gateway resources", zap.Error(cerr))
		}
	}()

	if err := fn(ctx, rt.Gateway); err != nil {
		return cliError(ctx, err)
	}
	return nil
}

// cliError turns a gateway failure into an error envelope. Budget denials
// also report the wait until reset. Errors the gateway did not produce pass
// through unchanged.
func cliError(ctx context.Context, err error) error {
	if err == nil || upstream.KindOf(err) == core.ErrorKindUnknown {
		return err
	}
	envelope := errwrap.FromGateway(ctx, err)

	var limited *upstream.RateLimitExceededError
	if errors.As(err, &limited) {
		wait := limited.RetryAfter(time.Now())
		return fmt.Errorf("%s: %s budget exhausted, retry in %s: %w", envelope.Message, limited.Key, wait, envelope)
	}
	return envelope
}
