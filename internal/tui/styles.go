// Package tui provides the live terminal dashboard for llhls-monitor.
//
// The dashboard uses Bubble Tea for the application loop, a Bubbles table
// for the rendition list and Lipgloss for styling. It shows:
// - per-rendition state, part target and request classifications
// - live part response-time quantiles
// - rolling download and request rates
// - the latest request lines
package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	colorText      = lipgloss.Color("#E5E7EB")
	colorTextMuted = lipgloss.Color("#9CA3AF")
	colorTextDim   = lipgloss.Color("#6B7280")
	colorBorder    = lipgloss.Color("#374151")
)

// =============================================================================
// Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().Foreground(colorTextMuted)
	dimStyle   = lipgloss.NewStyle().Foreground(colorTextDim)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)

	statusOK      = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	statusWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	statusError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	statusInfo    = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
)

// tableStyles adapts the Bubbles defaults to the palette.
func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Foreground(colorSecondary).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(colorText).
		Background(colorBorder).
		Bold(false)
	return s
}

// errorRatioStyle colors an error ratio in [0, 1].
func errorRatioStyle(ratio float64) lipgloss.Style {
	switch {
	case ratio > 0.05:
		return statusError
	case ratio > 0:
		return statusWarning
	default:
		return statusOK
	}
}

// stateStyle colors a monitor state.
func stateStyle(s monitor.State) lipgloss.Style {
	switch s {
	case monitor.StateDownloading, monitor.StatePolling:
		return statusOK
	case monitor.StateIdle:
		return statusInfo
	case monitor.StateBackoff:
		return statusError
	default:
		return mutedStyle
	}
}

// renderKeyValue renders a fixed-width label followed by a bold value.
func renderKeyValue(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}
