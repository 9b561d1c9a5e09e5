package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the plugin dependency graph",
		Long: `Show the dependency graph of the installed plugins: the start order by
level, dependencies on plugins that are not installed and dependency cycles.`,
		Example: `  # Start order and problems
  plugind graph

  # Render with Graphviz
  plugind graph --dot | dot -Tsvg > plugins.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if dot {
				out, err := client.GraphDOT(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}

			g, err := client.Graph(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(g)
			}

			for level, stems := range g.Levels {
				fmt.Printf("%s %s\n", mutedStyle.Render(fmt.Sprintf("level %d:", level)), strings.Join(stems, ", "))
			}
			for _, m := range g.Missing {
				fmt.Printf("%s %s needs %s, which is not installed\n", errorStyle.Render("✗"), m.From, m.Dependency)
			}
			for _, c := range g.Cycles {
				fmt.Printf("%s cycle: %s\n", errorStyle.Render("✗"), strings.Join(c, " -> "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print Graphviz DOT")

	return cmd
}
