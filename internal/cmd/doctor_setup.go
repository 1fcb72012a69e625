package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core/store"
	"github.com/nexusai/chgate/internal/observability"
)

var (
	doctorInitForce  bool
	doctorInitAPIKey string

	doctorResetConfig bool
	doctorResetData   bool
	doctorResetAll    bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return errors.New("config path not resolved")
		}
		if fileExists(configPath) && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		apiKey := strings.TrimSpace(doctorInitAPIKey)
		if strings.EqualFold(apiKey, "prompt") {
			var err error
			if apiKey, err = promptForValue(cmd.InOrStdin(), cmd.OutOrStdout(), "Companies House API key (blank to skip): "); err != nil {
				return err
			}
		}

		if err := writeInitConfig(configPath, apiKey, GetAppIdentity().Prefix()); err != nil {
			return err
		}
		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config, data and store locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := observability.CLILogger
		ctx := cmd.Context()

		log.Info("Paths:")
		for _, p := range []struct{ label, path string }{
			{"Config file", config.DefaultConfigPath()},
			{"Data dir", config.DefaultDataDir()},
			{"Cache dir", config.DefaultCacheDir()},
		} {
			log.Info(fmt.Sprintf("  %-12s %s", p.label+":", describePath(p.path)))
		}

		cfg, err := config.Load(ctx)
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return nil
		}

		if cfg.Store.URL != "" {
			log.Info("  Store:       " + redactURL(cfg.Store.URL) + " (remote)")
		} else {
			log.Info("  Store:       " + describePath(storePath(cfg)))
		}

		if db, err := openStoreWith(ctx, cfg.Store); err != nil {
			log.Warn("Rate limit state unavailable", zap.Error(err))
		} else {
			entries, listErr := db.ListRateLimits(ctx, store.RateLimitQuery{All: true})
			persistedAt, metaErr := db.RateLimitsPersistedAt(ctx)
			_ = db.Close()
			if err := errors.Join(listErr, metaErr); err != nil {
				log.Warn("Rate limit state unreadable", zap.Error(err))
			} else {
				log.Info(fmt.Sprintf("  Budgets:     %d key(s), saved %s", len(entries), formatTimeAgo(persistedAt)))
			}
		}

		prefix := GetAppIdentity().Prefix()
		log.Info("")
		log.Info("Environment:")
		for _, name := range []string{"API_KEY", "CACHE_BACKEND", "REDIS_ADDR", "DB_URL"} {
			log.Info(fmt.Sprintf("  %s%s: %s", prefix, name, secretStatus(os.Getenv(prefix+name))))
		}

		log.Info("")
		log.Info("Effective settings:")
		log.Info("  cache.backend: " + cfg.Cache.Backend)
		log.Info(fmt.Sprintf("  rate_limit: %d per %s (margin %.2f, %d override(s))",
			cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Margin, len(cfg.RateLimit.Overrides)))
		log.Info(fmt.Sprintf("  server.tenant_partitioning: %t", cfg.Server.TenantPartitioning))
		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the user config file and/or the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		resetConfig := doctorResetConfig || doctorResetAll
		resetData := doctorResetData || doctorResetAll
		if !resetConfig && !resetData {
			return errors.New("specify --config, --data, or --all")
		}

		if resetConfig {
			if err := removeIfPresent("Config", config.DefaultConfigPath()); err != nil {
				return err
			}
		}
		if !resetData {
			return nil
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Store.URL != "" {
			return errors.New("remote store configured; reset it on the server instead")
		}
		absPath, _ := filepath.Abs(storePath(cfg))
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := removeIfPresent("Store", absPath+suffix); err != nil {
				return err
			}
		}
		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if !fileExists(configPath) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if _, err := config.Load(cmd.Context()); err != nil {
			return err
		}
		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	doctorCmd.AddCommand(doctorInitCmd, doctorConfigCmd, doctorResetCmd, doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite an existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitAPIKey, "api-key", "", "Companies House API key, or 'prompt' to enter it")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove the user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove the local store")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and store")
}

func storePath(cfg *config.Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	return config.DefaultStorePath()
}

func describePath(path string) string {
	if path == "" {
		return "(not resolved)"
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return path + " (missing)"
	case info.IsDir():
		return path
	default:
		return fmt.Sprintf("%s (%s)", path, formatFileSize(info.Size()))
	}
}

func removeIfPresent(label, path string) error {
	if path == "" {
		observability.CLILogger.Warn(label + " path not resolved; skipping")
		return nil
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		observability.CLILogger.Info(label+" removed", zap.String("path", path))
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("remove %s: %w", strings.ToLower(label), err)
	}
	return nil
}

// initConfigTemplate mirrors the loader defaults; %s is the API key line.
const initConfigTemplate = `# Companies House gateway config, written by 'doctor init'
upstream:
  base_url: https://api.company-information.service.gov.uk
%s
rate_limit:
  requests: 600
  window: 5m
  margin: 0.9
cache:
  backend: store
server:
  port: 8080
`

func buildInitConfig(apiKey, envPrefix string) string {
	keyLine := fmt.Sprintf("  # api_key: \"\"  # or set %sAPI_KEY", envPrefix)
	if strings.TrimSpace(apiKey) != "" {
		keyLine = fmt.Sprintf("  api_key: %q", strings.TrimSpace(apiKey))
	}
	return fmt.Sprintf(initConfigTemplate, keyLine)
}

// writeInitConfig writes the starter config, 0600 when it holds a key.
func writeInitConfig(path, apiKey, envPrefix string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	mode := os.FileMode(0644)
	if strings.TrimSpace(apiKey) != "" {
		mode = 0600
	}
	if err := os.WriteFile(path, []byte(buildInitConfig(apiKey, envPrefix)), mode); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func promptForValue(in io.Reader, out io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprint(out, prompt); err != nil {
		return "", err
	}
	value, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
