// Package cmd wires the chgate command tree: company lookups, batch
// profiles, the HTTP gateway and the admin commands for budgets and cache.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/appid"
	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/observability"
)

const rootLongSuffix = "Query companies, officers and PSCs directly, or run the HTTP gateway with 'serve'."

var (
	cfgFile string
	verbose bool

	appIdentity *appid.Identity
)

// GetAppIdentity returns the identity resolved during startup.
func GetAppIdentity() *appid.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   filepath.Base(os.Args[0]),
	Short: "Companies House API gateway",
	Long: "Rate-limited, caching gateway for the UK Companies House API.\n\n" +
		rootLongSuffix,
	SilenceUsage: true,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from printing metrics before serve installs the
	// real telemetry system.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is the identity's XDG config path)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// Resolve identity now so --help already shows the configured name.
	if identity, err := appid.Get(context.Background()); err == nil {
		setIdentity(identity)
	}
	cobra.OnInitialize(initConfig)
}

// initConfig sets up the CLI logger and points the loader at --config. The
// config itself loads lazily in each command.
func initConfig() {
	identity, err := appid.Get(context.Background())
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	setIdentity(identity)
	observability.InitCLILogger(identity.BinaryName, verbose)
	log := observability.CLILogger

	config.SetConfigFile(cfgFile)
	if cfgFile == "" {
		log.Debug("Config discovery", zap.String("default_path", config.DefaultConfigPath()))
		return
	}
	if _, err := os.Stat(cfgFile); err != nil {
		ExitWithCode(log, foundry.ExitFileNotFound, "Config file not readable", err)
	}
	log.Debug("Using config file", zap.String("path", cfgFile))
}

func setIdentity(identity *appid.Identity) {
	if identity == nil {
		return
	}
	appIdentity = identity

	if identity.BinaryName != "" {
		rootCmd.Use = identity.BinaryName
	}
	if identity.Description != "" {
		rootCmd.Short = identity.Description
		rootCmd.Long = fmt.Sprintf("%s - %s\n\n%s", identity.BinaryName, identity.Description, rootLongSuffix)
	}
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil && identity.ConfigName != "" {
		f.Usage = fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", identity.ConfigName)
	}
}
