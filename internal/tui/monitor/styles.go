package monitor

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#A78BFA")
	greenColor   = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	borderColor  = lipgloss.Color("#6B7280")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(mutedColor)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(borderColor).Padding(0, 1)

	openStyle    = lipgloss.NewStyle().Foreground(greenColor)
	closedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	blockedStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
	helpStyle    = lipgloss.NewStyle().Foreground(mutedColor)
)
