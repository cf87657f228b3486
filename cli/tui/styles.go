// Package tui provides Bubble Tea views for the treesync CLI.
//
// Inspect and stats views render the same payloads as the plain renderer.
// The watch view is the only live one; it is fed messages from a session.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// HeaderStyle marks table headers in plain output.
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(highlightColor)

	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlightColor).
			Padding(0, 2).
			Width(22).
			Align(lipgloss.Center)

	StatLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Align(lipgloss.Center)

	StatValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Align(lipgloss.Center)

	// UserStyle and AssistantStyle prefix transcript lines.
	UserStyle      = lipgloss.NewStyle().Bold(true).Foreground(highlightColor)
	AssistantStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
)

// StateStyle returns a style for a conversation, objective or connection state.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "active", "completed", "connected", "idle":
		return SuccessStyle
	case "generating", "updating", "waiting_for_ai", "waiting_for_generation", "connecting", "reconnecting":
		return WarningStyle
	case "failed", "error", "disconnected":
		return ErrorStyle
	case "pending", "none":
		return MutedStyle
	default:
		return ValueStyle
	}
}

// NodeMark returns the marker for a skill tree node.
func NodeMark(unlocked, completed bool) string {
	switch {
	case completed:
		return SuccessStyle.Render("[x]")
	case unlocked:
		return WarningStyle.Render("[ ]")
	default:
		return MutedStyle.Render("[-]")
	}
}
