package commands

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

var (
	colorActive   = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	colorBusy     = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	colorBroken   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
	colorResolved = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"}
	colorMuted    = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"}

	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colorBroken)
	okStyle     = lipgloss.NewStyle().Foreground(colorActive)
)

// stateStyle colours a state by its group. Refreshing always reads as busy.
func stateStyle(s plugins.State) lipgloss.Style {
	st := lipgloss.NewStyle()
	if s.Refreshing {
		return st.Foreground(colorBusy)
	}
	switch s.Group() {
	case plugins.GroupActive:
		return st.Foreground(colorActive).Bold(true)
	case plugins.GroupResolved:
		return st.Foreground(colorResolved)
	case plugins.GroupStarting, plugins.GroupStopping, plugins.GroupDeploying, plugins.GroupUninstalling:
		return st.Foreground(colorBusy)
	case plugins.GroupResolving, plugins.GroupInstalled:
		return st.Foreground(colorBroken)
	default:
		return st.Foreground(colorMuted)
	}
}

// table renders rows as left aligned columns with a styled header. Widths are
// measured on the unstyled text so colour codes do not skew them.
func table(header []string, rows [][]string, styles [][]lipgloss.Style) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var out []string
	line := make([]string, len(header))
	for i, h := range header {
		line[i] = headerStyle.Render(h) + pad(h, widths[i])
	}
	out = append(out, strings.TrimRight(strings.Join(line, "  "), " "))
	for r, row := range rows {
		line := make([]string, len(row))
		for i, cell := range row {
			rendered := cell
			if r < len(styles) && i < len(styles[r]) {
				rendered = styles[r][i].Render(cell)
			}
			line[i] = rendered + pad(cell, widths[i])
		}
		out = append(out, strings.TrimRight(strings.Join(line, "  "), " "))
	}
	return strings.Join(out, "\n")
}

func pad(s string, width int) string {
	return strings.Repeat(" ", max(width-lipgloss.Width(s), 0))
}
