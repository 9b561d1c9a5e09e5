package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reactivegraph/plugind/pkg/api"
	"github.com/reactivegraph/plugind/pkg/config"
)

var (
	// Global flags
	configPath string
	adminAddr  string
	jsonOutput bool
	timeout    time.Duration
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plugind",
		Short: "plugind - plugin lifecycle daemon",
		Long: `plugind loads plugin artifacts from a directory, resolves their
dependencies and drives every plugin through its lifecycle.

Features:
  - WebAssembly and native Go plugin artifacts
  - Dependency resolution with semantic version requirements
  - Hot deploy of new builds dropped into the deploy directory
  - Rego policies to keep plugins disabled
  - Transition history in SQLite
  - Admin HTTP API with Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (env "+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "", "admin API address of a running daemon (default: admin.listen from the config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "admin API request timeout")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newGraphCommand())

	return rootCmd
}

// loadConfig loads the file named by --config or $PLUGIND_CONFIG.
func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// newClient connects to the admin API of a running daemon.
func newClient() (*api.Client, error) {
	addr := adminAddr
	if addr == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config for the admin address: %w", err)
		}
		addr = cfg.Admin.Listen
	}
	return api.NewClient(&api.Config{BaseURL: addr, Timeout: timeout})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
