package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reactivegraph/plugind/pkg/config"
	"github.com/reactivegraph/plugind/pkg/stores"
)

const defaultConfigFile = "plugind.yaml"

func newInitCommand() *cobra.Command {
	var (
		force     bool
		directory string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a plugind workspace",
		Long: `Initialize writes a configuration file with the default settings, creates
the deploy and installed plugin directories and the SQLite history database.

The file format follows the extension of --config: .yaml, .yml, .toml or .json.`,
		Example: `  # Initialize in the current directory
  plugind init

  # Initialize with a TOML config and a custom plugin directory
  plugind init --config plugind.toml --directory /srv/plugins`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(configPath)
			if path == "" {
				path = defaultConfigFile
			}

			cfg := config.Default()
			if directory != "" {
				cfg.Plugins.Directory = directory
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info().Str("config", path).Str("directory", cfg.Plugins.Directory).Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			data, err := config.Marshal(cfg, path)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", path)

			for _, dir := range []string{cfg.Plugins.DeployDir(), cfg.Plugins.InstallDir()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			if cfg.Store.Enabled {
				ctx := cmd.Context()
				store, err := stores.NewSQLiteStore(cfg.StoreConfig())
				if err != nil {
					return fmt.Errorf("failed to create store: %w", err)
				}
				defer store.Close()

				if err := store.Init(ctx); err != nil {
					return fmt.Errorf("failed to initialize store: %w", err)
				}
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Store.Path)
			}

			fmt.Println("\nWorkspace initialized. Next steps:")
			fmt.Printf("  1. Drop plugin artifacts into %s\n", cfg.Plugins.DeployDir())
			fmt.Printf("  2. Run 'plugind run --config %s'\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	cmd.Flags().StringVarP(&directory, "directory", "d", "", "plugin directory (default "+config.DefaultDirectory+")")

	return cmd
}
