package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/reactivegraph/plugind/pkg/api"
	"github.com/reactivegraph/plugind/pkg/plugins"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "Inspect and control the plugins of a running daemon",
		Long: `Talk to the admin API of a running plugind.

Plugins are referred to by id, stem or declared name.`,
	}

	cmd.AddCommand(newPluginsListCommand())
	cmd.AddCommand(newPluginsShowCommand())
	cmd.AddCommand(newDiagnosticsCommand())
	for _, action := range api.Actions() {
		cmd.AddCommand(newPluginActionCommand(action))
	}

	return cmd
}

func newPluginsListCommand() *cobra.Command {
	var (
		opts        api.ListOptions
		group       string
		hasDeps     bool
		unsatisfied bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins",
		Example: `  # Every plugin
  plugind plugins list

  # Plugins that are waiting on a dependency
  plugind plugins list --unsatisfied

  # Plugins matching a selector expression
  plugind plugins list --where 'phase == "Active" and short_name.startswith("flow")'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			opts.Group = plugins.Group(group)
			if cmd.Flags().Changed("has-deps") {
				opts.HasDependencies = &hasDeps
			}
			if cmd.Flags().Changed("unsatisfied") {
				opts.HasUnsatisfiedDependencies = &unsatisfied
			}

			list, err := client.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			if len(list.Plugins) == 0 {
				fmt.Println(mutedStyle.Render(fmt.Sprintf("No plugins match (%d installed)", list.Total)))
				return nil
			}
			fmt.Println(renderPluginTable(list.Plugins))
			fmt.Println(mutedStyle.Render(fmt.Sprintf("\n%d of %d plugins", len(list.Plugins), list.Total)))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Stem, "stem", "", "match the artifact stem")
	cmd.Flags().StringVar(&opts.Name, "name", "", "match the declared name")
	cmd.Flags().StringVar(&group, "group", "", "match a state group (Active, Resolving, ...)")
	cmd.Flags().StringVar(&opts.Where, "where", "", "selector expression")
	cmd.Flags().BoolVar(&hasDeps, "has-deps", false, "only plugins with (or, =false, without) dependencies")
	cmd.Flags().BoolVar(&unsatisfied, "unsatisfied", false, "only plugins with (or, =false, without) unsatisfied dependencies")

	return cmd
}

func renderPluginTable(infos []plugins.Info) string {
	rows := make([][]string, len(infos))
	styles := make([][]lipgloss.Style, len(infos))
	plain := lipgloss.NewStyle()
	for i, info := range infos {
		rows[i] = []string{
			info.Stem,
			orDash(info.Name),
			orDash(info.Version),
			info.State.String(),
			fmt.Sprint(len(info.Dependencies)),
			age(info.UpdatedAt),
		}
		styles[i] = []lipgloss.Style{plain, plain, mutedStyle, stateStyle(info.State), plain, mutedStyle}
	}
	return table([]string{"STEM", "NAME", "VERSION", "STATE", "DEPS", "UPDATED"}, rows, styles)
}

func newPluginsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plugin>",
		Short: "Show one plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			info, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(info)
			}
			printInfo(info)
			return nil
		},
	}
}

func printInfo(info *plugins.Info) {
	field := func(k, v string) {
		if v != "" {
			fmt.Printf("%-13s %s\n", k+":", v)
		}
	}
	field("ID", info.ID)
	field("Stem", info.Stem)
	field("Name", info.Name)
	field("Version", info.Version)
	field("Description", info.Description)
	field("Path", info.Path)
	fmt.Printf("%-13s %s\n", "State:", stateStyle(info.State).Render(info.State.String()))
	field("Compiler", info.CompilerVersion)
	field("API version", info.APIVersion)
	if len(info.Dependencies) > 0 {
		deps := make([]string, len(info.Dependencies))
		for i, d := range info.Dependencies {
			deps[i] = d.String()
		}
		field("Dependencies", strings.Join(deps, ", "))
	}
	if info.StartFailed {
		field("Start failed", "yes")
	}
	if info.LastError != "" {
		fmt.Printf("%-13s %s\n", "Last error:", errorStyle.Render(info.LastError))
	}
	field("Updated", info.UpdatedAt.Format(time.RFC3339))
}

func newPluginActionCommand(action api.Action) *cobra.Command {
	short := map[api.Action]string{
		api.ActionStart:     "Start a plugin and every dependent that becomes startable",
		api.ActionStop:      "Stop a plugin and its active dependents",
		api.ActionRestart:   "Stop and start a plugin, restarting its dependents",
		api.ActionUninstall: "Stop a plugin and remove its installed artifact",
		api.ActionRedeploy:  "Hot-swap a plugin with the artifact in the deploy directory",
	}

	return &cobra.Command{
		Use:   string(action) + " <plugin>",
		Short: short[action],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.Do(cmd.Context(), action, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("%s %s %s: %s %s\n",
				okStyle.Render("✓"), action, res.Plugin.Stem,
				stateStyle(res.Plugin.State).Render(res.Plugin.State.String()),
				mutedStyle.Render(fmt.Sprintf("(%.2fs)", res.Duration)))
			return nil
		},
	}
}

func newDiagnosticsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Show state counts and unsatisfied dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			diag, err := client.Diagnostics(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(diag)
			}

			fmt.Printf("%d plugins\n\n", diag.Total)
			rows := make([][]string, len(diag.Counts))
			styles := make([][]lipgloss.Style, len(diag.Counts))
			for i, c := range diag.Counts {
				rows[i] = []string{c.Name, fmt.Sprint(c.Count)}
				styles[i] = []lipgloss.Style{stateStyle(c.State), lipgloss.NewStyle()}
			}
			fmt.Println(table([]string{"STATE", "COUNT"}, rows, styles))

			if len(diag.Unsatisfied) > 0 {
				fmt.Println()
				for _, u := range diag.Unsatisfied {
					dep := "not installed"
					if u.DependencyFound {
						dep = u.DependencyState
					}
					fmt.Printf("%s %s (%s) needs %s: %s\n",
						errorStyle.Render("✗"), u.Stem, u.State, u.Dependency, dep)
				}
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// age formats the time since t the way kubectl does: one or two units.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}
