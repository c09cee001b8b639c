// Package orchestrator coordinates one monitoring run: it loads the entry
// playlist, starts a monitor per rendition, feeds the shared aggregator,
// metrics and dashboard, and prints the exit summary once every monitor
// has stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/apih9000/llhls-latency-monitoring/internal/config"
	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/logging"
	"github.com/apih9000/llhls-latency-monitoring/internal/metrics"
	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
	"github.com/apih9000/llhls-latency-monitoring/internal/preflight"
	"github.com/apih9000/llhls-latency-monitoring/internal/report"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
	"github.com/apih9000/llhls-latency-monitoring/internal/timeseries"
	"github.com/apih9000/llhls-latency-monitoring/internal/tui"
)

// sampleInterval is the rate tracker and gauge refresh period.
const sampleInterval = time.Second

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// Options adjusts how a run is wired. The zero value is the CLI behaviour.
type Options struct {
	Version string

	// Reporter replaces the console or dashboard reporter.
	Reporter monitor.Reporter

	// Output receives preflight results and the exit summary (default: stdout).
	Output io.Writer

	// Registry receives the run's metrics (default: a fresh registry).
	Registry *prometheus.Registry

	// Seed fixes start jitter and backoff jitter. 0 = time based.
	Seed int64
}

// Orchestrator coordinates all components of a monitoring run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	opts   Options
	out    io.Writer
	runID  string

	fetcher    *fetch.Fetcher
	aggregator *stats.Aggregator
	tracker    *timeseries.RateTracker
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	scheduler  *StartScheduler

	metricsServer *metrics.Server
	events        *logging.EventLog

	renditions []stats.RenditionInfo
	startTime  time.Time
}

// New creates an Orchestrator for cfg. cfg is expected to be validated.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	runID := uuid.NewString()

	scheduler := NewStartScheduler(cfg.StartInterval, cfg.StartJitter)
	if opts.Seed != 0 {
		scheduler = NewStartSchedulerWithSeed(cfg.StartInterval, cfg.StartJitter, opts.Seed)
	}

	return &Orchestrator{
		config: cfg,
		logger: logger.With("run_id", runID),
		opts:   opts,
		out:    out,
		runID:  runID,
		fetcher: fetch.New(fetch.Config{
			Timeout:         cfg.Timeout,
			UserAgent:       cfg.UserAgent,
			Headers:         cfg.HeaderMap(),
			HTTP2:           cfg.HTTP2,
			SpeedLimitKbps:  cfg.SpeedLimitKbps,
			MaxConnsPerHost: cfg.MaxConnsPerHost,
		}, logger),
		aggregator: stats.NewAggregator(),
		tracker:    timeseries.NewRateTracker(),
		registry:   registry,
		metrics: metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Version:   opts.Version,
			StreamURL: cfg.StreamURL,
			RunID:     runID,
		}, registry),
		scheduler: scheduler,
	}
}

// Run executes the monitoring run. It blocks until every monitor reached
// its limit or the run was interrupted, then prints the exit summary.
//
// A *MasterError is returned when the entry playlist is unusable; no
// monitor is started in that case.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()
	defer o.fetcher.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renditions, err := LoadMaster(ctx, o.fetcher, o.config.StreamURL, Selection{
		MaxRenditions: o.config.MaxRenditions,
		Audio:         o.config.Audio,
	}, o.logger)
	if err != nil {
		return err
	}
	o.renditions = renditions

	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Renditions:  len(renditions),
			PartWorkers: o.config.PartWorkers,
			Dirs:        []string{o.config.LogDir, o.config.SaveRoot()},
		})
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.config.LogDir != "" {
		events, err := logging.OpenEventLog(logging.EventLogConfig{
			Dir:          o.config.LogDir,
			Format:       o.config.LogFormat,
			RecentErrors: o.config.RecentErrors,
		})
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		o.events = events
		defer o.closeEvents()
	}

	o.metrics.SetRenditions(len(renditions))
	for _, r := range renditions {
		o.aggregator.Register(r)
		o.metrics.RegisterRendition(r)
	}

	if o.config.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(metrics.ServerConfig{
			Addr:     o.config.MetricsAddr,
			Gatherer: o.registry,
			Status:   func() any { return o.Status() },
			Ready:    func() bool { return o.metrics.ActiveMonitors() > 0 },
		}, o.logger)
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer o.shutdownServer()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporter, summarizer, dash := o.reporters(cancel)

	stopSampler := o.startSampler()

	o.logger.Info("run_starting",
		"url", o.config.StreamURL,
		"renditions", len(renditions),
		"limit", o.config.Limit,
		"estimated_start", o.scheduler.EstimatedDuration(len(renditions)).String(),
	)

	runErr := o.runMonitors(ctx, reporter)

	stopSampler()
	if dash != nil {
		if err := dash.Stop(); err != nil {
			o.logger.Warn("dashboard_error", "error", err)
		}
	}

	o.logger.Info("run_finished",
		"elapsed", time.Since(o.startTime).String(),
		"http_client_recreations", o.fetcher.Recreated(),
	)

	summaries := o.aggregator.Summarize()
	summarizer.Summary(summaries)
	o.printExitSummary(summaries)

	if o.config.MetricsDump != "" {
		if err := metrics.WriteTextfile(o.config.MetricsDump, o.registry); err != nil {
			o.logger.Warn("metrics_dump_failed", "path", o.config.MetricsDump, "error", err)
		} else {
			o.logger.Info("metrics_dumped", "path", o.config.MetricsDump)
		}
	}

	return runErr
}

// reporters picks the request reporter and the reporter that receives the
// final summary. The dashboard is returned when it was started.
func (o *Orchestrator) reporters(cancel context.CancelFunc) (monitor.Reporter, monitor.Reporter, *tui.Dashboard) {
	if o.opts.Reporter != nil {
		return o.opts.Reporter, o.opts.Reporter, nil
	}
	if !o.config.TUIEnabled {
		c := report.NewConsole(o.out, o.config.Verbose)
		return c, c, nil
	}

	feed := tui.NewFeed(tui.DefaultFeedLines)
	logFile := ""
	if o.events != nil {
		logFile = o.events.Path()
	}
	dash := tui.Start(tui.Config{
		StreamURL:   o.config.StreamURL,
		MetricsAddr: o.metricsAddr(),
		LogFile:     logFile,
		Source:      o,
		Feed:        feed,
		OnQuit:      cancel,
	})
	return report.NewConsole(feed, o.config.Verbose), report.NewConsole(o.out, false), dash
}

// runMonitors starts one monitor per rendition, staggered by the start
// scheduler, and waits for all of them.
func (o *Orchestrator) runMonitors(ctx context.Context, reporter monitor.Reporter) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		panics []error
	)

	for i, r := range o.renditions {
		if err := o.scheduler.Schedule(ctx, i); err != nil {
			o.logger.Info("start_cancelled", "started", i, "renditions", len(o.renditions))
			break
		}

		m := monitor.New(o.monitorConfig(r, reporter))
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					err := fmt.Errorf("monitor %d panicked: %v", r.Index, p)
					o.logger.Error("monitor_panic", "rendition", r.Index, "panic", p)
					o.eventLogger().Exception(err, fmt.Sprintf("monitor-%d", r.Index))
					mu.Lock()
					panics = append(panics, err)
					mu.Unlock()
				}
			}()
			return m.Run(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		o.logger.Info("run_interrupted")
		err = nil
	}
	return errors.Join(append([]error{err}, panics...)...)
}

func (o *Orchestrator) monitorConfig(r stats.RenditionInfo, reporter monitor.Reporter) monitor.Config {
	return monitor.Config{
		Rendition:  r,
		Fetcher:    o.fetcher,
		Aggregator: o.aggregator,
		Reporter:   reporter,
		Events:     o.eventLogger(),
		Tracker:    o.tracker,
		Logger:     o.logger,
		Callbacks:  o.metrics.Callbacks(),

		Limit:       o.config.Limit,
		PartWorkers: o.config.PartWorkers,
		SkipAhead:   o.config.SkipAhead,
		StripAfter:  o.config.StripAfter,
		SleepAfter:  o.config.SleepAfter,
		Lookback:    o.config.Lookback,
		Backoff: monitor.BackoffConfig{
			Initial:    o.config.BackoffInitial,
			Max:        o.config.BackoffMax,
			Multiplier: o.config.BackoffMultiply,
		},
		Seed: o.opts.Seed,

		SaveDir:      o.config.SaveRoot(),
		FetchTimeout: o.config.Timeout,
	}
}

// startSampler samples the rate tracker and refreshes the derived gauges
// once per second. The returned func stops it and takes a final sample.
func (o *Orchestrator) startSampler() func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(sampleInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				o.sample()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			o.sample()
		})
	}
}

func (o *Orchestrator) sample() {
	o.tracker.Sample()
	o.metrics.Update(o.aggregator.Snapshot(), o.tracker.Rates())
}

func (o *Orchestrator) printExitSummary(summaries []stats.RenditionSummary) {
	cfg := stats.SummaryConfig{
		URL:         o.config.StreamURL,
		Duration:    time.Since(o.startTime),
		Started:     o.aggregator.StartTime(),
		MetricsAddr: o.metricsAddr(),
	}
	if o.events != nil {
		cfg.LogFile = o.events.Path()
		cfg.RecentErrors = o.events.RecentErrors(o.config.RecentErrors)
		cfg.ErrorCounts = o.events.ErrorCounts()
	}
	fmt.Fprint(o.out, stats.FormatSummary(summaries, cfg))
}

func (o *Orchestrator) shutdownServer() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

func (o *Orchestrator) closeEvents() {
	if err := o.events.Close(); err != nil {
		o.logger.Warn("event_log_close_error", "error", err)
	}
}

// eventLogger avoids handing monitors a typed nil.
func (o *Orchestrator) eventLogger() monitor.EventLogger {
	if o.events == nil {
		return monitor.NopEventLogger{}
	}
	return o.events
}

func (o *Orchestrator) metricsAddr() string {
	if o.metricsServer == nil {
		return ""
	}
	return o.metricsServer.Addr()
}

// =============================================================================
// Live views
// =============================================================================

// Snapshot returns the live per-rendition view.
func (o *Orchestrator) Snapshot() []stats.Snapshot {
	return o.aggregator.Snapshot()
}

// Rates returns the rolling download and request rates.
func (o *Orchestrator) Rates() timeseries.Rates {
	return o.tracker.Rates()
}

// States returns the last known state of every monitor.
func (o *Orchestrator) States() map[int]monitor.State {
	return o.metrics.States()
}

// Status is the JSON document served on /status.
type Status struct {
	RunID      string            `json:"run_id"`
	URL        string            `json:"url"`
	Started    time.Time         `json:"started"`
	Elapsed    string            `json:"elapsed"`
	Active     int               `json:"active_monitors"`
	Rates      timeseries.Rates  `json:"rates"`
	Renditions []RenditionStatus `json:"renditions"`

	// ClientRecreations counts HTTP clients discarded after transport or
	// body failures.
	ClientRecreations int64 `json:"http_client_recreations"`
}

// RenditionStatus is one rendition in Status.
type RenditionStatus struct {
	Index      int     `json:"index"`
	URI        string  `json:"uri"`
	Resolution string  `json:"resolution"`
	State      string  `json:"state"`
	PartTarget float64 `json:"part_target_seconds"`
	Playlists  int64   `json:"playlists"`
	Parts      int64   `json:"parts"`
	PartErrors int64   `json:"part_errors"`
	Skipped    int64   `json:"skipped_parts"`
	PartP95Ms  int64   `json:"part_p95_ms"`
	LastStatus string  `json:"last_status"`
}

// Status builds the live status document.
func (o *Orchestrator) Status() Status {
	states := o.States()
	st := Status{
		RunID:             o.runID,
		URL:               o.config.StreamURL,
		Started:           o.aggregator.StartTime(),
		Elapsed:           stats.FormatDuration(o.aggregator.Elapsed()),
		Active:            o.metrics.ActiveMonitors(),
		Rates:             o.Rates(),
		ClientRecreations: o.fetcher.Recreated(),
	}
	for _, s := range o.Snapshot() {
		state := states[s.Info.Index]
		if s.Finished {
			state = monitor.StateStopped
		}
		st.Renditions = append(st.Renditions, RenditionStatus{
			Index:      s.Info.Index,
			URI:        s.Info.URI,
			Resolution: s.Info.Resolution,
			State:      state.String(),
			PartTarget: s.PartTarget,
			Playlists:  s.Total(stats.KindPlaylist),
			Parts:      s.Total(stats.KindPart),
			PartErrors: s.Count(stats.KindPart, stats.ClassError),
			Skipped:    s.Skipped,
			PartP95Ms:  s.PartP95.Milliseconds(),
			LastStatus: s.LastStatus,
		})
	}
	return st
}

// RunID returns the run identifier exported on llhls_monitor_info.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Renditions returns the renditions selected by the last Run.
func (o *Orchestrator) Renditions() []stats.RenditionInfo {
	return o.renditions
}
