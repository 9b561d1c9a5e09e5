package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/reactivegraph/plugind/pkg/config"
	"github.com/reactivegraph/plugind/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file and the Rego policies it references.

This command checks:
  - Syntax of the YAML, TOML, JSON or CUE file
  - Unknown keys and value constraints
  - Builtin policy names
  - Compilation of every policy file under policy.paths`,
		Example: `  # Validate the file named by --config or $PLUGIND_CONFIG
  plugind validate

  # Validate a specific file
  plugind validate ./plugind.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(configPath)
			if len(args) > 0 {
				path = args[0]
			}

			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					if jsonOutput {
						_ = printJSON(verrs)
					} else {
						for _, e := range verrs {
							fmt.Printf("✗ %s\n", e)
						}
					}
					return fmt.Errorf("%d validation error(s)", len(verrs))
				}
				return err
			}

			engine, err := policy.NewEngine(zerolog.Nop())
			if err != nil {
				return err
			}
			for _, name := range cfg.Policy.Builtins {
				if err := engine.EnablePolicy(name); err != nil {
					return err
				}
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return err
				}
			}

			if path == "" {
				path = "defaults"
			}
			if jsonOutput {
				return printJSON(map[string]any{"config": path, "valid": true})
			}
			fmt.Printf("✓ %s is valid\n", path)
			return nil
		},
	}

	return cmd
}
