package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apih9000/llhls-latency-monitoring/internal/config"
	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

func TestMain(m *testing.M) {
	// lumberjack starts a mill goroutine per log file that outlives Close.
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

// =============================================================================
// LL-HLS origin
// =============================================================================

const partsPerSegment = 4

// origin serves a master playlist with two renditions and answers every
// blocking reload immediately with a playlist ending at the requested part.
type origin struct {
	srv       *httptest.Server
	playlists atomic.Int64
	parts     atomic.Int64

	// status, when set, is returned for every request.
	status int
	// partStatus, when set, is returned for part requests only.
	partStatus int
}

func newLLHLSOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) masterURL() string {
	return o.srv.URL + "/live/master.m3u8"
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	if o.status != 0 {
		http.Error(w, http.StatusText(o.status), o.status)
		return
	}
	switch {
	case r.URL.Path == "/live/master.m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720\nv0.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nv1.m3u8\n")

	case strings.HasSuffix(r.URL.Path, ".m3u8"):
		o.playlists.Add(1)
		msn, part := int64(100), int64(1)
		if v, err := strconv.ParseInt(r.URL.Query().Get("_HLS_msn"), 10, 64); err == nil {
			msn = v
			part, _ = strconv.ParseInt(r.URL.Query().Get("_HLS_part"), 10, 64)
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write(livePlaylist(msn, part))

	case strings.HasSuffix(r.URL.Path, ".mp4"):
		o.parts.Add(1)
		if o.partStatus != 0 {
			http.Error(w, http.StatusText(o.partStatus), o.partStatus)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(make([]byte, 2048))

	default:
		http.NotFound(w, r)
	}
}

// livePlaylist renders the playlist whose newest part is (msn, part): one
// complete segment before msn, then parts 0..part of msn. The last part of
// a segment closes it.
func livePlaylist(msn, part int64) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:9\n#EXT-X-TARGETDURATION:4\n")
	b.WriteString("#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=3.0\n")
	b.WriteString("#EXT-X-PART-INF:PART-TARGET=1.0\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", msn-1)

	segment := func(seq, parts int64, closed bool) {
		for p := int64(0); p < parts; p++ {
			fmt.Fprintf(&b, "#EXT-X-PART:DURATION=1.0,URI=\"part-%d-%d.mp4\"\n", seq, p)
		}
		if closed {
			fmt.Fprintf(&b, "#EXTINF:4.0,\nseg-%d.mp4\n", seq)
		}
	}
	segment(msn-1, partsPerSegment, true)
	segment(msn, part+1, part+1 >= partsPerSegment)
	return []byte(b.String())
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig(t *testing.T, streamURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StreamURL = streamURL
	cfg.Limit = 6
	cfg.Timeout = 5 * time.Second
	cfg.TUIEnabled = false
	cfg.SkipPreflight = true
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.MetricsDump = filepath.Join(dir, "llhls.prom")
	cfg.PartWorkers = 2
	return cfg
}

func newTestOrchestrator(cfg *config.Config, out *bytes.Buffer, opts Options) *Orchestrator {
	opts.Output = out
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	opts.Seed = 1
	return New(cfg, discardLogger(), opts)
}

// panickyReporter panics on the first playlist request of one rendition.
// When release is set it waits for it to be closed first.
type panickyReporter struct {
	index   int
	release chan struct{}

	mu        sync.Mutex
	summaries []stats.RenditionSummary
	statuses  int
}

func (p *panickyReporter) DownloadStarted(ev monitor.StartEvent) string {
	if ev.Rendition.Index == p.index && ev.Key.Kind == stats.KindPlaylist {
		if p.release != nil {
			<-p.release
		}
		panic("reporter exploded")
	}
	return ev.ID
}

func (p *panickyReporter) DownloadStatus(monitor.StatusEvent) {
	p.mu.Lock()
	p.statuses++
	p.mu.Unlock()
}

func (p *panickyReporter) Summary(s []stats.RenditionSummary) {
	p.mu.Lock()
	p.summaries = s
	p.mu.Unlock()
}

// =============================================================================
// End to end
// =============================================================================

func TestRun_EndToEnd(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.masterURL())
	var out bytes.Buffer
	reg := prometheus.NewRegistry()

	o := newTestOrchestrator(cfg, &out, Options{Version: "test", Registry: reg})
	require.NoError(t, o.Run(context.Background()))

	require.Len(t, o.Renditions(), 2)
	assert.Equal(t, "1280x720", o.Renditions()[0].Resolution)

	// Every rendition polled exactly Limit times.
	assert.EqualValues(t, 2*cfg.Limit, og.playlists.Load())
	assert.Positive(t, og.parts.Load())

	text := out.String()
	assert.Contains(t, text, "Exit Summary")
	assert.Contains(t, text, "v0.m3u8")
	assert.Contains(t, text, "v1.m3u8")
	assert.Contains(t, text, " part ")
	assert.Contains(t, text, "Request log:")
	assert.Contains(t, text, "Started:")
	assert.NotContains(t, text, "Errors by Status")

	// Console summary lines from the reporter.
	assert.Contains(t, text, "playlists 6 (")

	for _, s := range o.Snapshot() {
		assert.True(t, s.Finished, "rendition %d not finished", s.Info.Index)
		assert.EqualValues(t, cfg.Limit, s.Total(stats.KindPlaylist))
		assert.Positive(t, s.Total(stats.KindPart))
		assert.Zero(t, s.Count(stats.KindPart, stats.ClassError))
	}

	// Metrics
	assert.Equal(t, 2.0, gatherValue(t, reg, "llhls_renditions"))
	assert.Equal(t, 0.0, gatherValue(t, reg, "llhls_active_monitors"))
	assert.Equal(t, float64(2*cfg.Limit), gatherValue(t, reg, "llhls_requests_total", "kind", "playlist"))

	dump, err := os.ReadFile(cfg.MetricsDump)
	require.NoError(t, err)
	assert.Contains(t, string(dump), `llhls_monitor_info{`)
	assert.Contains(t, string(dump), `run_id="`+o.RunID()+`"`)
	assert.Contains(t, string(dump), `llhls_requests_total{class="OK",kind="part",rendition="1"}`)

	// Event log
	logs, err := filepath.Glob(filepath.Join(cfg.LogDir, "ll-hls-log_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	info, err := os.Stat(logs[0])
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRun_StatusAfterRun(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.masterURL())
	cfg.Limit = 2
	var out bytes.Buffer

	o := newTestOrchestrator(cfg, &out, Options{})
	require.NoError(t, o.Run(context.Background()))

	st := o.Status()
	assert.Equal(t, o.RunID(), st.RunID)
	assert.Equal(t, og.masterURL(), st.URL)
	assert.Equal(t, 0, st.Active)
	assert.False(t, st.Started.IsZero())
	assert.Zero(t, st.ClientRecreations)
	require.Len(t, st.Renditions, 2)
	for _, r := range st.Renditions {
		assert.Equal(t, "stopped", r.State)
		assert.EqualValues(t, 2, r.Playlists)
		assert.Equal(t, 1.0, r.PartTarget)
	}
	assert.Positive(t, st.Rates.TotalRequests)
}

func TestRun_ErrorCountsInSummary(t *testing.T) {
	og := newLLHLSOrigin(t)
	og.partStatus = http.StatusServiceUnavailable
	cfg := testConfig(t, og.masterURL())
	cfg.Limit = 2
	var out bytes.Buffer

	o := newTestOrchestrator(cfg, &out, Options{})
	require.NoError(t, o.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Errors by Status")
	assert.Contains(t, text, "ERROR 503")
	for _, s := range o.Snapshot() {
		assert.Positive(t, s.Count(stats.KindPart, stats.ClassError))
	}
}

func TestRun_MediaEntry(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.srv.URL+"/live/v0.m3u8")
	cfg.Limit = 3
	var out bytes.Buffer

	o := newTestOrchestrator(cfg, &out, Options{})
	require.NoError(t, o.Run(context.Background()))

	require.Len(t, o.Renditions(), 1)
	assert.Equal(t, UndefinedResolution, o.Renditions()[0].Resolution)
	// The entry fetch plus three polls.
	assert.EqualValues(t, 4, og.playlists.Load())
}

func TestRun_MasterErrorIsFatal(t *testing.T) {
	og := newLLHLSOrigin(t)
	og.status = http.StatusNotFound
	cfg := testConfig(t, og.masterURL())
	var out bytes.Buffer

	o := newTestOrchestrator(cfg, &out, Options{})
	err := o.Run(context.Background())

	var me *MasterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, og.masterURL(), me.URL)
	assert.Empty(t, o.Renditions())
	assert.NotContains(t, out.String(), "Exit Summary")

	// Nothing was opened: no event log, no metrics dump.
	_, statErr := os.Stat(cfg.LogDir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	_, statErr = os.Stat(cfg.MetricsDump)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRun_CancelStopsMonitors(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.masterURL())
	cfg.Limit = 0
	cfg.MetricsDump = ""
	var out bytes.Buffer

	o := newTestOrchestrator(cfg, &out, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return og.parts.Load() >= 10 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "an interrupted run is not an error")
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, out.String(), "Exit Summary")
}

func TestRun_MonitorPanicIsIsolated(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.masterURL())
	cfg.Limit = 3
	var out bytes.Buffer
	rep := &panickyReporter{index: 1}

	o := newTestOrchestrator(cfg, &out, Options{Reporter: rep})
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor 1 panicked")

	// The sibling finished its polls and the summary was still produced.
	snaps := o.Snapshot()
	require.Len(t, snaps, 2)
	assert.EqualValues(t, 3, snaps[0].Total(stats.KindPlaylist))
	assert.True(t, snaps[1].Finished)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Len(t, rep.summaries, 2)
	assert.Positive(t, rep.statuses)
	assert.Contains(t, out.String(), "Exit Summary")
}

func TestRun_PanicReportedAfterSiblingCancelled(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.masterURL())
	cfg.Limit = 0
	cfg.MetricsDump = ""
	var out bytes.Buffer
	rep := &panickyReporter{index: 1, release: make(chan struct{})}

	o := newTestOrchestrator(cfg, &out, Options{Reporter: rep})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return og.parts.Load() >= 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	// Rendition 0 returns context.Canceled before rendition 1 panics.
	require.Eventually(t, func() bool {
		snaps := o.Snapshot()
		return len(snaps) == 2 && snaps[0].Finished
	}, 5*time.Second, 10*time.Millisecond)
	close(rep.release)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "monitor 1 panicked")
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	og := newLLHLSOrigin(t)
	cfg := testConfig(t, og.masterURL())
	cfg.SkipPreflight = false

	// A regular file where the log directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.LogDir = blocker

	var out bytes.Buffer
	o := newTestOrchestrator(cfg, &out, Options{})
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preflight")
	assert.Contains(t, out.String(), "Preflight checks:")
	assert.Zero(t, og.parts.Load())
}

func TestRun_MetricsBindError(t *testing.T) {
	og := newLLHLSOrigin(t)

	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	cfg := testConfig(t, og.masterURL())
	cfg.MetricsAddr = strings.TrimPrefix(busy.URL, "http://")
	var out bytes.Buffer

	o := newTestOrchestrator(cfg, &out, Options{})
	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics server")
	assert.Zero(t, og.parts.Load())
}

// gatherValue sums every sample of the named family whose labels match the
// given name/value pairs.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}
