// Package monitor follows one LL-HLS rendition with blocking playlist
// reloads and downloads every new part as it is published.
//
// A Monitor runs a single goroutine that polls the media playlist. Each
// response is classified, recorded into the shared aggregator and used to
// compute the next _HLS_msn/_HLS_part target. Parts that appeared since the
// previous poll are handed to the monitor's own part pool; the poller never
// waits for them.
//
// Repeated poll failures degrade the loop in two steps: after StripAfter
// errors the blocking parameters are dropped and the playlist is fetched
// plainly, after SleepAfter errors every attempt is preceded by a backoff
// sleep.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
	"github.com/apih9000/llhls-latency-monitoring/internal/pool"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
	"github.com/apih9000/llhls-latency-monitoring/internal/timeseries"
)

// Defaults for Config fields left at zero.
const (
	DefaultSkipAhead  = 3
	DefaultStripAfter = 3
	DefaultSleepAfter = 5
	DefaultLookback   = 64

	// idleWaitNoTarget is the wait after a partless playlist that also has
	// no target duration.
	idleWaitNoTarget = time.Second
)

// Fetcher issues timed GETs. *fetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, savePath string) fetch.Result
}

// Callbacks contains optional callback functions for monitor events.
// They are called synchronously; OnRequest is also called from part
// workers.
type Callbacks struct {
	// OnStateChange is called when the monitor state changes.
	OnStateChange func(index int, oldState, newState State)

	// OnRequest is called once per completed request, after it was recorded.
	OnRequest func(info stats.RenditionInfo, kind stats.Kind, v Verdict, res fetch.Result)

	// OnPollErrors is called whenever the consecutive poll error count changes.
	OnPollErrors func(index int, consecutive int)

	// OnSkipped is called when parts are abandoned by a skip-ahead.
	OnSkipped func(index int, n int64)
}

// Config holds configuration for creating a new Monitor.
type Config struct {
	Rendition stats.RenditionInfo

	Fetcher    Fetcher
	Aggregator *stats.Aggregator
	Reporter   Reporter    // optional
	Events     EventLogger // optional
	Tracker    *timeseries.RateTracker
	Logger     *slog.Logger
	Callbacks  Callbacks

	// Limit bounds the number of playlist polls. 0 = until cancelled.
	Limit int

	PartWorkers int
	SkipAhead   int
	StripAfter  int
	SleepAfter  int
	Lookback    int
	Backoff     BackoffConfig
	Seed        int64

	// SaveDir enables persistence of playlists, parts and the init segment.
	SaveDir string

	// FetchTimeout is only used to warn when PART-HOLD-BACK exceeds it.
	FetchTimeout time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Monitor follows one rendition.
type Monitor struct {
	cfg    Config
	info   stats.RenditionInfo
	logger *slog.Logger

	pool       *pool.Pool
	backoff    *Backoff
	dispatched *dispatchSet

	state   State
	stateMu sync.RWMutex

	// Owned by the Run goroutine.
	errors         int
	pointer        int64
	initDone       bool
	iterations     int
	warnedHoldBack bool
}

// New creates a Monitor. Zero thresholds take their defaults.
func New(cfg Config) *Monitor {
	if cfg.SkipAhead <= 0 {
		cfg.SkipAhead = DefaultSkipAhead
	}
	if cfg.StripAfter <= 0 {
		cfg.StripAfter = DefaultStripAfter
	}
	if cfg.SleepAfter <= 0 {
		cfg.SleepAfter = DefaultSleepAfter
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = stats.NewAggregator()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.Events == nil {
		cfg.Events = NopEventLogger{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:        cfg,
		info:       cfg.Rendition,
		logger:     logger.With("rendition", cfg.Rendition.Index),
		pool:       pool.New(cfg.PartWorkers),
		backoff:    NewBackoff(cfg.Rendition.Index, cfg.Seed, cfg.Backoff),
		dispatched: newDispatchSet(cfg.Lookback),
		state:      StateCreated,
	}
}

// Index returns the rendition index.
func (m *Monitor) Index() int {
	return m.info.Index
}

// State returns the current state.
func (m *Monitor) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// InFlight returns the number of running and queued part downloads.
func (m *Monitor) InFlight() (running, queued int) {
	return m.pool.Stats()
}

func (m *Monitor) setState(s State) {
	m.stateMu.Lock()
	old := m.state
	m.state = s
	m.stateMu.Unlock()

	if old != s && m.cfg.Callbacks.OnStateChange != nil {
		m.cfg.Callbacks.OnStateChange(m.info.Index, old, s)
	}
}

// Run polls the rendition until the limit is reached or ctx is cancelled.
// In-flight part downloads are waited for before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	m.cfg.Aggregator.Register(m.info)
	m.logger.Info("monitor_started",
		"uri", m.info.URI,
		"limit", m.cfg.Limit,
		"part_workers", m.cfg.PartWorkers,
	)
	defer m.finish()

	pollURL := m.info.URI
	forceNewLine := false

	for iter := 0; m.cfg.Limit <= 0 || iter < m.cfg.Limit; iter++ {
		select {
		case <-ctx.Done():
			m.logger.Debug("monitor_cancelled", "iterations", m.iterations)
			return ctx.Err()
		default:
		}
		m.iterations++
		started := time.Now()

		if m.errors >= m.cfg.StripAfter {
			if stripped, ok := stripBlockingParams(pollURL); ok {
				pollURL = stripped
				forceNewLine = true
				m.logger.Debug("blocking_params_stripped", "errors", m.errors, "url", pollURL)
			}
		}
		if m.errors >= m.cfg.SleepAfter {
			m.setState(StateBackoff)
			delay := m.backoff.Next()
			m.logger.Debug("poll_backoff", "errors", m.errors, "attempt", m.backoff.Attempts(), "delay", delay)
			if err := m.cfg.Sleep(ctx, delay); err != nil {
				return err
			}
		}

		m.setState(StatePolling)
		man, ok := m.poll(ctx, pollURL, forceNewLine)
		forceNewLine = false

		if m.cfg.SaveDir != "" && !m.initDone && ctx.Err() == nil && man.IsMedia() && man.InitURI != "" {
			m.fetchInit(ctx, man)
		}

		if !ok {
			m.setErrors(m.errors + 1)
			continue
		}
		if m.errors > 0 {
			m.setErrors(0)
			m.backoff.Reset()
		}
		m.checkHoldBack(man)

		next, hasParts := man.NextPosition()
		pps := man.PartsPerSegment()
		if !hasParts || pps <= 0 {
			if hasParts {
				m.logger.Warn("part_target_missing", "url", man.URI)
			}
			m.setState(StateIdle)
			if err := m.cfg.Sleep(ctx, idleWait(man.TargetDuration, time.Since(started))); err != nil {
				return err
			}
			continue
		}

		m.cfg.Aggregator.SetPartTarget(m.info.Index, man.PartTarget)
		m.setState(StateDownloading)
		m.dispatch(ctx, man)

		pollURL = withBlockingParams(man.URI, next)
	}

	m.logger.Info("monitor_limit_reached", "iterations", m.iterations)
	return nil
}

func (m *Monitor) finish() {
	m.pool.Wait()
	m.cfg.Aggregator.Finish(m.info.Index)
	m.setState(StateStopped)
	m.logger.Info("monitor_stopped", "iterations", m.iterations, "last_part", m.pointer)
}

func (m *Monitor) setErrors(n int) {
	m.errors = n
	if m.cfg.Callbacks.OnPollErrors != nil {
		m.cfg.Callbacks.OnPollErrors(m.info.Index, n)
	}
}

func (m *Monitor) checkHoldBack(man *playlist.Manifest) {
	if m.warnedHoldBack || m.cfg.FetchTimeout <= 0 || man.PartHoldBack <= 0 {
		return
	}
	holdBack := time.Duration(man.PartHoldBack * float64(time.Second))
	if holdBack >= m.cfg.FetchTimeout {
		m.warnedHoldBack = true
		m.logger.Warn("fetch_timeout_below_hold_back",
			"timeout", m.cfg.FetchTimeout,
			"part_hold_back", holdBack,
		)
	}
}

// poll fetches and classifies the playlist at rawURL. ok is false when the
// fetch failed or the body is not a media playlist.
func (m *Monitor) poll(ctx context.Context, rawURL string, forceNewLine bool) (*playlist.Manifest, bool) {
	requested := requestedPosition(rawURL)
	key := RequestKey{Position: requested, Kind: stats.KindPlaylist}
	save := m.savePath(rawURL, fmt.Sprintf("-%d_%d", requested.MSN, requested.Part))

	req := m.start(key, rawURL, "", "poll", forceNewLine)
	// A reload already in flight completes after cancellation; the fetch
	// timeout still bounds it.
	res := m.cfg.Fetcher.Fetch(context.WithoutCancel(ctx), rawURL, save)

	var (
		man  *playlist.Manifest
		perr error
	)
	if res.Succeeded() {
		base, err := url.Parse(rawURL)
		if err != nil {
			perr = err
		} else {
			man, perr = playlist.Parse(res.Body, base)
		}
		if perr != nil {
			m.logger.Debug("playlist_parse_failed", "url", rawURL, "error", perr)
		}
	}

	v := ClassifyPlaylist(PlaylistCheck{
		Result:    res,
		Manifest:  man,
		ParseErr:  perr,
		Requested: requested,
		Bandwidth: m.info.Bandwidth,
	})
	m.complete(req, res, v)

	return man, res.Succeeded() && perr == nil && man.IsMedia()
}

// dispatch hands every new part of man to the part pool, oldest first.
func (m *Monitor) dispatch(ctx context.Context, man *playlist.Manifest) {
	pps := man.PartsPerSegment()
	last, _ := man.LastPart()
	lastAbs := last.Absolute(pps)

	// Media sequence went backwards (encoder restart).
	if m.pointer > 0 && lastAbs+int64(m.cfg.Lookback) < m.pointer {
		m.logger.Warn("sequence_reset", "previous", m.pointer, "current", lastAbs)
		m.pointer = 0
		m.dispatched.Reset()
	}

	first, skipped := plan(m.pointer, lastAbs, int64(m.cfg.SkipAhead))
	if skipped > 0 {
		m.cfg.Aggregator.AddSkipped(m.info.Index, skipped)
		if m.cfg.Callbacks.OnSkipped != nil {
			m.cfg.Callbacks.OnSkipped(m.info.Index, skipped)
		}
		m.logger.Debug("parts_skipped", "from", m.pointer+1, "to", lastAbs-1, "count", skipped)
	}

	for idx := first; idx <= lastAbs; idx++ {
		if ctx.Err() != nil {
			return
		}
		if m.dispatched.Has(idx) {
			continue
		}
		part, ok := partAt(man.Parts, idx, pps)
		if !ok {
			continue
		}
		m.dispatched.Add(idx)
		m.submitPart(ctx, man, part)
	}

	if lastAbs > m.pointer {
		m.pointer = lastAbs
	}
}

// partAt finds the part with absolute index idx. Parts are contiguous in
// the common case, so the direct offset from the end is tried first.
func partAt(parts []playlist.Part, idx, pps int64) (playlist.Part, bool) {
	n := len(parts)
	if n == 0 {
		return playlist.Part{}, false
	}
	lastAbs := parts[n-1].Absolute(pps)
	if i := n - 1 - int(lastAbs-idx); i >= 0 && i < n && parts[i].Absolute(pps) == idx {
		return parts[i], true
	}
	for i := n - 1; i >= 0; i-- {
		if parts[i].Absolute(pps) == idx {
			return parts[i], true
		}
	}
	return playlist.Part{}, false
}

func (m *Monitor) submitPart(ctx context.Context, man *playlist.Manifest, part playlist.Part) {
	key := RequestKey{Position: part.Position, Kind: stats.KindPart}
	save := m.savePath(part.URI, fmt.Sprintf("_%d_%d", part.MSN, part.Part))
	name := fmt.Sprintf("rendition-%d/%s", m.info.Index, part.Position)
	partTarget := man.PartTarget

	req := m.start(key, part.URI, man.URI, name, false)
	err := m.pool.Submit(ctx, pool.Task{
		Name: name,
		Run: func(ctx context.Context) {
			res := m.cfg.Fetcher.Fetch(ctx, part.URI, save)
			m.complete(req, res, ClassifyPart(res, partTarget, m.info.Bandwidth))
		},
		OnPanic: func(perr *pool.PanicError) {
			m.logger.Error("part_task_panic", "task", perr.Task, "panic", perr.Value)
			m.cfg.Events.Exception(perr, perr.Task)
			res := fetch.Result{
				URL:     part.URI,
				Status:  "ERROR panic",
				Failure: fetch.FailureTransport,
				Err:     perr,
			}
			m.complete(req, res, Verdict{Class: stats.ClassError, Status: res.Status})
		},
	})
	if err != nil {
		m.logger.Debug("part_dropped", "part", part.Position.String(), "error", err)
	}
}

func (m *Monitor) fetchInit(ctx context.Context, man *playlist.Manifest) {
	key := RequestKey{Kind: stats.KindInit}
	save := m.savePath(man.InitURI, "_init")

	req := m.start(key, man.InitURI, man.URI, "init", false)
	res := m.cfg.Fetcher.Fetch(context.WithoutCancel(ctx), man.InitURI, save)
	m.complete(req, res, ClassifyPart(res, 0, 0))
	m.initDone = res.Succeeded()
}

// savePath returns where to persist uri, or "" when persistence is off.
// The file name is the URI's base name with suffix inserted before the
// extension, under <SaveDir>/rendition-<n>/.
func (m *Monitor) savePath(uri, suffix string) string {
	if m.cfg.SaveDir == "" {
		return ""
	}
	name := "file"
	if u, err := url.Parse(uri); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" {
			name = b
		}
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(m.cfg.SaveDir, fmt.Sprintf("rendition-%d", m.info.Index), stem+suffix+ext)
}

// request carries what is known about a request between start and complete.
type request struct {
	id        string
	key       RequestKey
	url       string
	initiator string
	source    string
	started   time.Time
}

func (m *Monitor) start(key RequestKey, rawURL, initiator, source string, forceNewLine bool) request {
	ev := StartEvent{
		ID:           uuid.NewString(),
		Rendition:    m.info,
		Key:          key,
		URL:          rawURL,
		Initiator:    initiator,
		ForceNewLine: forceNewLine,
		At:           time.Now(),
	}
	id := m.cfg.Reporter.DownloadStarted(ev)
	if id == "" {
		id = ev.ID
	}
	return request{
		id:        id,
		key:       key,
		url:       rawURL,
		initiator: initiator,
		source:    source,
		started:   ev.At,
	}
}

// complete records a finished request everywhere it is reported.
// Safe for concurrent use.
func (m *Monitor) complete(req request, res fetch.Result, v Verdict) {
	m.cfg.Aggregator.Record(m.info.Index, req.key.Kind, v.Class, v.Slow, stats.Sample{
		ResponseTime: res.ResponseTime,
		DownloadTime: res.DownloadTime,
		Throughput:   res.Throughput,
		Bytes:        res.Bytes,
	})
	m.cfg.Aggregator.SetStatus(m.info.Index, req.key.Position.String()+" "+v.Status)
	if m.cfg.Tracker != nil {
		m.cfg.Tracker.Observe(res.Bytes, v.Class == stats.ClassError)
	}

	res.Body = nil
	if m.cfg.Callbacks.OnRequest != nil {
		m.cfg.Callbacks.OnRequest(m.info, req.key.Kind, v, res)
	}
	m.cfg.Reporter.DownloadStatus(StatusEvent{
		ID:        req.id,
		Rendition: m.info,
		Key:       req.key,
		Verdict:   v,
		Result:    res,
	})

	logRecord(m.cfg.Events, Record{
		ID:           req.id,
		Started:      req.started,
		Rendition:    m.info.Index,
		Key:          req.key,
		URL:          req.url,
		Initiator:    req.initiator,
		Source:       req.source,
		Class:        v.Class,
		Status:       v.Status,
		Slow:         v.Slow,
		Code:         res.Code,
		Failure:      res.Failure,
		TimeHeaders:  res.TimeHeaders,
		DownloadTime: res.DownloadTime,
		ResponseTime: res.ResponseTime,
		Throughput:   res.Throughput,
		Bytes:        res.Bytes,
		Headers:      res.Headers,
		SavedPath:    res.SavedPath,
	})
}

// idleWait is how long to wait after a playlist without parts: the rest
// of the target duration, or one second when there is none.
func idleWait(targetDuration int64, elapsed time.Duration) time.Duration {
	if targetDuration <= 0 {
		return idleWaitNoTarget
	}
	d := time.Duration(targetDuration)*time.Second - elapsed
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
