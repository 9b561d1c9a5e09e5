package commands

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/reactivegraph/plugind/pkg/api"
)

func newHistoryCommand() *cobra.Command {
	var (
		stem  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded state transitions",
		Long: `Show the state transitions recorded by a running daemon, newest first.
Requires store.enabled.`,
		Example: `  # The last 100 transitions
  plugind history

  # Everything that happened to one plugin
  plugind history --stem flow --limit 1000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			hist, err := client.History(cmd.Context(), stem, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(hist)
			}
			if len(hist.Transitions) == 0 {
				fmt.Println(mutedStyle.Render("No transitions recorded"))
				return nil
			}

			plain := lipgloss.NewStyle()
			rows := make([][]string, len(hist.Transitions))
			styles := make([][]lipgloss.Style, len(hist.Transitions))
			for i, tr := range hist.Transitions {
				errText := ""
				if tr.Error != nil {
					errText = *tr.Error
				}
				rows[i] = []string{tr.At.Local().Format(time.DateTime), tr.Stem, tr.FromState, tr.ToState, errText}
				styles[i] = []lipgloss.Style{mutedStyle, plain, mutedStyle, plain, errorStyle}
			}
			fmt.Println(table([]string{"TIME", "STEM", "FROM", "TO", "ERROR"}, rows, styles))
			return nil
		},
	}

	cmd.Flags().StringVar(&stem, "stem", "", "only transitions of this stem")
	cmd.Flags().IntVar(&limit, "limit", api.DefaultHistoryLimit, "maximum number of transitions")

	return cmd
}
