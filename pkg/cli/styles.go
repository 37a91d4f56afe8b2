package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/carverauto/fleetreconcile/pkg/report"
)

// Dracula theme colors, matching the report palette.
const (
	draculaCyan   = "#8BE9FD"
	draculaGreen  = "#50FA7B"
	draculaPink   = "#FF79C6"
	draculaRed    = "#FF5555"
	draculaYellow = "#F1FA8C"
)

// logStyles defines styles for operator-facing messages.
type logStyles struct {
	info, success, warning, error, muted lipgloss.Style
}

func newLogStyles(re *lipgloss.Renderer) logStyles {
	return logStyles{
		info:    re.NewStyle().Foreground(lipgloss.Color(draculaCyan)),
		success: re.NewStyle().Foreground(lipgloss.Color(draculaGreen)),
		warning: re.NewStyle().Foreground(lipgloss.Color(draculaYellow)),
		error:   re.NewStyle().Foreground(lipgloss.Color(draculaRed)).Bold(true),
		muted:   re.NewStyle().Foreground(report.MutedColor),
	}
}

type pickerStyles struct {
	title, help, header, selected, marked lipgloss.Style
}

func newPickerStyles() pickerStyles {
	return pickerStyles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(report.HighlightFg).
			Background(report.AccentColor).
			Padding(0, 1),
		help:   lipgloss.NewStyle().Foreground(report.MutedColor),
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(draculaCyan)),
		selected: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(draculaPink)),
		marked: lipgloss.NewStyle().Foreground(report.WarningColor),
	}
}
