package tui

import "github.com/charmbracelet/lipgloss"

// Theme keeps every console color in one place.
type Theme struct {
	StatusOK        lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusCancelled lipgloss.Style

	Doc    lipgloss.Style
	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
	Error  lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:        lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Doc: lipgloss.NewStyle().Margin(1, 2),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")),
	}
}
