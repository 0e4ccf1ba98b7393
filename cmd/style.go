package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette and style set for the watch dashboard, following the same
// named-color-then-semantic-style layering the original interactive UI used.
var (
	colorRed    = lipgloss.Color("#FF5555")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorWhite  = lipgloss.Color("#F8F8F2")
	colorGray   = lipgloss.Color("#6272A4")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	labelStyle = lipgloss.NewStyle().Bold(true)
	valueStyle = lipgloss.NewStyle().Foreground(colorWhite)
	warnStyle  = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	critStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	dimStyle   = lipgloss.NewStyle().Foreground(colorGray)

	activeBadgeStyle = lipgloss.NewStyle().Bold(true).Foreground(colorWhite).Background(lipgloss.Color("#2E7D32")).Padding(0, 1)
	stopBadgeStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorWhite).Background(lipgloss.Color("#C62828")).Padding(0, 1)
)

func pctStyle(v, warn, crit float64) lipgloss.Style {
	switch {
	case v >= crit:
		return critStyle
	case v >= warn:
		return warnStyle
	default:
		return okStyle
	}
}

func bar(pct float64, w int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100.0 * float64(w))
	if filled > w {
		filled = w
	}
	empty := w - filled
	style := pctStyle(pct, 70, 90)
	return style.Render(strings.Repeat("#", filled)) + dimStyle.Render(strings.Repeat("-", empty))
}

func titleLine(t string) string {
	pad := 72 - len(t) - 3
	if pad < 0 {
		pad = 0
	}
	return titleStyle.Render("== "+t+" ") + dimStyle.Render(strings.Repeat("=", pad))
}

func hr() string {
	return dimStyle.Render(strings.Repeat("-", 76))
}
