package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexusai/chgate/internal/buildinfo"
)

var (
	extended    bool
	versionJSON bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. --extended adds commit, build date, Go and Crucible versions; --json prints the same document /version serves.",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := buildinfo.NewReport(GetAppIdentity().BinaryName)
		out := cmd.OutOrStdout()

		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Fprintf(out, "%s %s\n", report.App.Name, report.App.Version)
		if !extended {
			return nil
		}
		fmt.Fprintf(out, "Commit: %s\nBuilt: %s\nGo: %s\n\n", report.App.Commit, report.App.BuildDate, report.App.GoVersion)
		fmt.Fprintf(out, "Gofulmen: %s\nCrucible: %s\n", report.Dependencies.Gofulmen, report.Dependencies.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print the version document as JSON")
}
