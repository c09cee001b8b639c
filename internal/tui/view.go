package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

func (m Model) render() string {
	sections := []string{
		m.renderHeader(),
		m.renderRates(),
		boxStyle.Render(m.table.View()),
	}
	if m.showLog {
		sections = append(sections, m.renderLog())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	title := headerStyle.Render("llhls-monitor")
	url := mutedStyle.Render(truncate(m.streamURL, m.width-40))
	elapsed := valueStyle.Render(stats.FormatDuration(m.Elapsed()))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, " ", url, "  ", elapsed)
}

func (m Model) renderRates() string {
	r := m.rates
	left := []string{
		renderKeyValue("Throughput", stats.FormatMbps(r.Bytes1s*8)),
		renderKeyValue("  10s / 60s", stats.FormatMbps(r.Bytes10s*8)+" / "+stats.FormatMbps(r.Bytes60s*8)),
		renderKeyValue("Downloaded", stats.FormatBytes(r.TotalBytes)),
	}
	right := []string{
		renderKeyValue("Requests", fmt.Sprintf("%s (%.1f/s)", stats.FormatNumber(r.TotalRequests), r.Requests10s)),
		labelStyle.Render("Errors 60s") + errorRatioStyle(r.ErrorRatio60s).Render(fmt.Sprintf("%.2f%%", r.ErrorRatio60s*100)),
		labelStyle.Render("Monitors") + stateCounts(m.states),
	}
	col := lipgloss.NewStyle().Width(44)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		col.Render(strings.Join(left, "\n")),
		strings.Join(right, "\n"),
	)
}

func (m Model) renderLog() string {
	n := m.logLines()
	lines := m.feed.Lines(n)
	for i, l := range lines {
		lines[i] = truncate(l, m.width-2)
	}
	for len(lines) < n {
		lines = append(lines, "")
	}
	return sectionHeaderStyle.Render("Requests") + "\n" + strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	help := []string{
		keys.Quit.Help().Key + " " + keys.Quit.Help().Desc,
		keys.Log.Help().Key + " " + keys.Log.Help().Desc,
		"↑/↓ scroll",
	}
	line := strings.Join(help, " · ")
	if m.metricsAddr != "" {
		line += "  │  metrics http://" + m.metricsAddr + "/metrics"
	}
	if m.logFile != "" {
		line += "  │  log " + m.logFile
	}
	return footerStyle.Render(line)
}

// truncate shortens s to max runes, marking the cut with "…".
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
