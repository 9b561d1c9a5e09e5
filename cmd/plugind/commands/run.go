package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand(version string) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plugin daemon",
		Long: `Run loads every installed plugin, starts the ones whose dependencies are
satisfied and keeps them running until interrupted.

On startup artifacts waiting in the deploy directory are installed first.
With plugins.hot_deploy enabled, artifacts dropped into the deploy
directory later are installed or hot-swapped in place. With admin.enabled
the admin API listens on admin.listen.

On SIGINT or SIGTERM every plugin is stopped in reverse dependency order.`,
		Example: `  # Run with defaults (./plugins, ./plugind.db)
  plugind run

  # Run with a config file
  plugind run --config /etc/plugind/plugind.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info().Str("config", path).Str("directory", cfg.Plugins.Directory).Msg("Starting plugind")

			ctx := cmd.Context()
			d, err := newDaemon(ctx, cfg, version)
			if err != nil {
				return err
			}

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			if err := d.start(runCtx); err != nil {
				stop()
				d.shutdown(context.Background())
				return fmt.Errorf("failed to start: %w", err)
			}

			<-runCtx.Done()
			d.logger.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			d.shutdown(shutdownCtx)
			d.logger.Info().Msg("Stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for stopping plugins")

	return cmd
}
