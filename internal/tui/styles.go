package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary = lipgloss.Color("63")  // Purple/blue
	Success = lipgloss.Color("78")  // Green
	Warning = lipgloss.Color("214") // Orange
	Danger  = lipgloss.Color("196") // Red
	TextDim = lipgloss.Color("245") // Dimmer text

	TitleStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true).
			MarginBottom(1)

	BoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(Warning).
			Padding(0, 1)

	LabelStyle   = lipgloss.NewStyle().Foreground(TextDim).Width(10)
	DangerStyle  = lipgloss.NewStyle().Foreground(Danger).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	HelpStyle    = lipgloss.NewStyle().Foreground(TextDim).MarginTop(1)
)
