package stats

// This file implements the exit summary formatter which prints the
// per-rendition request statistics once all monitors have stopped.

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// URL is the entry playlist address
	URL string

	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// LogFile is the request event log path, if any
	LogFile string

	// Started is when monitoring began; omitted when zero
	Started time.Time

	// RecentErrors are the last error lines from the event log
	RecentErrors []string

	// ErrorCounts are error totals per status line over the whole run
	ErrorCounts map[string]int
}

// slowDownloadMs is the download time above which a part is flagged slow.
const slowDownloadMs = 150

// FormatSummary formats the rendition summaries for display at exit.
//
// Each rendition gets a header line followed by an M3U8 and a PARTS
// section; every section shows totals by classification and the
// min/avg/max/p50/p75/p95/p99 of response time, download time and
// download speed.
func FormatSummary(summaries []RenditionSummary, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                         llhls-monitor Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	fmt.Fprintf(&b, "SUMMARY: %s\n", cfg.URL)
	if !cfg.Started.IsZero() {
		fmt.Fprintf(&b, "Started:                %s\n", cfg.Started.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Renditions:             %d\n\n", len(summaries))

	if len(summaries) == 0 {
		b.WriteString("  No renditions were monitored.\n\n")
	}

	for _, s := range summaries {
		writeRendition(&b, s)
	}

	if len(cfg.ErrorCounts) > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                                Errors by Status\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")
		for _, e := range sortedCounts(cfg.ErrorCounts) {
			fmt.Fprintf(&b, "  %8s  %s\n", FormatNumber(int64(e.n)), e.status)
		}
		b.WriteString("\n")
	}

	if len(cfg.RecentErrors) > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                                 Recent Errors\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")
		for _, line := range cfg.RecentErrors {
			fmt.Fprintf(&b, "  %s\n", line)
		}
		b.WriteString("\n")
	}

	if cfg.LogFile != "" {
		fmt.Fprintf(&b, "Request log:            %s\n", cfg.LogFile)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint:       http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

func writeRendition(b *strings.Builder, s RenditionSummary) {
	label := "MEDIA"
	if s.Info.Audio {
		label = "AUDIO"
	}
	resolution := s.Info.Resolution
	if resolution == "" {
		resolution = "Undefined"
	}
	fmt.Fprintf(b, "%s #%d: %s, %s, %.1f Mbps (%d), Part=%.3f sec\n",
		label,
		s.Info.Index+1,
		s.Info.Name(),
		resolution,
		float64(s.Info.Bandwidth)/1e6,
		s.Info.Bandwidth,
		s.PartTarget,
	)

	bwMbps := float64(s.Info.Bandwidth) / 1e6
	writeClass(b, "M3U8", s.Playlist, s.PartTarget, bwMbps)
	writeClass(b, "PARTS", s.Parts, s.PartTarget, bwMbps)
	if s.Init.Total() > 0 {
		writeClass(b, "INIT", s.Init, s.PartTarget, bwMbps)
	}
	if s.SkippedParts > 0 {
		fmt.Fprintf(b, "  skipped parts: %d\n", s.SkippedParts)
	}
	b.WriteString("\n")
}

func writeClass(b *strings.Builder, name string, c ClassStats, partTarget, bwMbps float64) {
	fmt.Fprintf(b, "  %-6s ", name)
	if c.Total() == 0 {
		b.WriteString("NO DATA\n")
		return
	}
	fmt.Fprintf(b, "total: %-8d | sum_delay=%.1fs", c.Total(), c.SumDelay.Seconds())
	if c.Slow > 0 {
		fmt.Fprintf(b, "  slow=%d", c.Slow)
	}
	b.WriteString("\n")

	fmt.Fprintf(b, "    %-14s | %-22s %s\n", fmt.Sprintf("ok   : %d", c.OK), "",
		"    min     avg     max     p50     p75     p95     p99")
	fmt.Fprintf(b, "    %-14s | %-22s %s\n", fmt.Sprintf("stale: %d", c.Stale), "response_time (ms):",
		formatRow(c.ResponseTimeMs, partTarget*1000, false))
	fmt.Fprintf(b, "    %-14s | %-22s %s\n", fmt.Sprintf("delay: %d", c.Delay), "download_time (ms):",
		formatRow(c.DownloadTimeMs, slowDownloadMs, false))
	fmt.Fprintf(b, "    %-14s | %-22s %s\n", fmt.Sprintf("error: %d", c.Error), "download_speed(Mbps):",
		formatRow(c.ThroughputMbps, bwMbps, true))
}

// formatRow renders the seven distribution values. Values over the limit
// (or under it, when reverse is set) are marked with '*'.
func formatRow(d Distribution, limit float64, reverse bool) string {
	vals := []float64{d.Min, d.Avg, d.Max, d.P50, d.P75, d.P95, d.P99}
	parts := make([]string, len(vals))
	for i, v := range vals {
		mark := " "
		if limit > 0 && ((!reverse && v >= limit) || (reverse && v < limit)) {
			mark = "*"
		}
		parts[i] = fmt.Sprintf("%7.1f%s", v, mark)
	}
	return strings.Join(parts, "")
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatMbps formats a bit rate in megabits per second.
func FormatMbps(bps float64) string {
	return fmt.Sprintf("%.1f Mbps", bps/1e6)
}

type statusCount struct {
	status string
	n      int
}

// sortedCounts orders counts by total, highest first, then by status.
func sortedCounts(counts map[string]int) []statusCount {
	out := make([]statusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, statusCount{status, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].status < out[j].status
	})
	return out
}
