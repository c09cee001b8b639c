// Package report renders request events as plain text lines, for runs
// without the terminal dashboard and for piping into other tools.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

// Console writes one line per completed request:
//
//	001 0123-02 12:00:01.250 720p.m3u8    part     OK            312ms   18.4 Mbps
//
// Thread-safe.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	now     func() time.Time
	line    int
	verbose bool
}

// NewConsole creates a console reporter on w. With verbose set, request
// starts are printed too.
func NewConsole(w io.Writer, verbose bool) *Console {
	return &Console{w: w, now: time.Now, verbose: verbose}
}

var _ monitor.Reporter = (*Console)(nil)

// DownloadStarted prints a separator when the blocking parameters were
// dropped and, in verbose mode, the request itself.
func (c *Console) DownloadStarted(ev monitor.StartEvent) string {
	if !ev.ForceNewLine && !c.verbose {
		return ev.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.ForceNewLine {
		fmt.Fprintf(c.w, "--- %s: polling without _HLS_msn/_HLS_part\n", ev.Rendition.Name())
	}
	if c.verbose {
		c.writeLine(ev.Key, ev.Rendition, "...", ev.URL)
	}
	return ev.ID
}

// DownloadStatus prints the completed request.
func (c *Console) DownloadStatus(ev monitor.StatusEvent) {
	res := ev.Result
	detail := fmt.Sprintf("%6dms %6.1f Mbps", res.ResponseTime.Milliseconds(), res.Throughput/1e6)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLine(ev.Key, ev.Rendition, ev.Verdict.Status, detail)
}

func (c *Console) writeLine(key monitor.RequestKey, r stats.RenditionInfo, status, detail string) {
	c.line++
	fmt.Fprintf(c.w, "%03d %04d-%02d %s %-16s %-8s %-24s %s\n",
		c.line%1000,
		key.Position.MSN,
		key.Position.Part,
		c.now().UTC().Format("15:04:05.000"),
		truncate(r.Name(), 16),
		key.Kind,
		truncate(status, 24),
		detail,
	)
}

// Summary prints one totals line per rendition. The full breakdown is
// printed by the caller.
func (c *Console) Summary(summaries []stats.RenditionSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.w)
	for _, s := range summaries {
		fmt.Fprintf(c.w, "%-16s playlists %s  parts %s  skipped %d\n",
			truncate(s.Info.Name(), 16),
			counts(s.Playlist),
			counts(s.Parts),
			s.SkippedParts,
		)
	}
}

func counts(c stats.ClassStats) string {
	return fmt.Sprintf("%d (ok %d, delay %d, stale %d, error %d)", c.Total(), c.OK, c.Delay, c.Stale, c.Error)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "~"
}

// Lines returns the number of request lines written.
func (c *Console) Lines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.line
}

