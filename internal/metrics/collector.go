// Package metrics exposes monitoring results as Prometheus metrics.
//
// Metrics are organized in panels:
//   - Run overview: info, renditions, active monitors, elapsed time
//   - Requests: counts by rendition, kind and classification
//   - Timing: response and download histograms, live t-digest quantiles
//   - Throughput: per-request histogram and rolling byte rates
//   - Health: monitor state, consecutive poll errors, skipped parts
//
// Per-request metrics are fed from monitor callbacks; rolling and live
// values are refreshed by Update once per second.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/monitor"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
	"github.com/apih9000/llhls-latency-monitoring/internal/timeseries"
)

const namespace = "llhls"

// timingBuckets cover blocking playlist reloads, which may legitimately
// take several part durations.
var timingBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 0.75, 1.0, 1.5,
	2.0, 3.0, 5.0, 10.0,
}

// throughputBuckets are in bits per second.
var throughputBuckets = prometheus.ExponentialBuckets(250_000, 2, 12)

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version   string
	StreamURL string
	RunID     string
}

// Collector owns every llhls_* metric of one run.
//
// Thread-safe: callback methods are called from monitors and part workers.
type Collector struct {
	startTime time.Time

	// --- Run overview ---
	info           *prometheus.GaugeVec
	renditions     prometheus.Gauge
	activeMonitors prometheus.Gauge
	elapsed        prometheus.Gauge

	// --- Requests ---
	requests *prometheus.CounterVec
	slow     *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	failures *prometheus.CounterVec

	// --- Timing ---
	responseTime *prometheus.HistogramVec
	downloadTime *prometheus.HistogramVec
	liveQuantile *prometheus.GaugeVec

	// --- Throughput ---
	throughput  *prometheus.HistogramVec
	rollingRate *prometheus.GaugeVec
	requestRate prometheus.Gauge
	errorRatio  prometheus.Gauge

	// --- Health ---
	state      *prometheus.GaugeVec
	pollErrors *prometheus.GaugeVec
	skipped    *prometheus.CounterVec
	partTarget *prometheus.GaugeVec

	mu     sync.Mutex
	states map[int]monitor.State
}

// NewCollector creates a collector registered with the default registerer.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	rendition := []string{"rendition"}
	request := []string{"rendition", "kind"}

	c := &Collector{
		startTime: time.Now(),
		states:    make(map[int]monitor.State),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_info",
			Help:      "Information about the monitoring run (value always 1)",
		}, []string{"version", "stream_url", "run_id"}),
		renditions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "renditions",
			Help:      "Renditions selected for monitoring",
		}),
		activeMonitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_monitors",
			Help:      "Monitors currently polling, downloading, idle or backing off",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elapsed_seconds",
			Help:      "Seconds since the run started",
		}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by classification",
		}, []string{"rendition", "kind", "class"}),
		slow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_requests_total",
			Help:      "Requests flagged SLOW (download over 150ms or below declared bandwidth)",
		}, request),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Response body bytes downloaded",
		}, request),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Failed requests by failure kind",
		}, []string{"rendition", "kind", "failure"}),

		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_time_seconds",
			Help:      "Request start to body complete",
			Buckets:   timingBuckets,
		}, request),
		downloadTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_time_seconds",
			Help:      "Time spent reading the response body",
			Buckets:   timingBuckets,
		}, request),
		liveQuantile: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "response_time_quantile_seconds",
			Help:      "Live response time quantiles (t-digest)",
		}, []string{"rendition", "kind", "quantile"}),

		throughput: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "throughput_bits_per_second",
			Help:      "Per-request body throughput",
			Buckets:   throughputBuckets,
		}, request),
		rollingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_rate_bytes_per_second",
			Help:      "Download rate averaged over a rolling window",
		}, []string{"window"}),
		requestRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_rate_per_second",
			Help:      "Completed requests per second over the last 10 seconds",
		}),
		errorRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_ratio",
			Help:      "Fraction of requests over the last 60 seconds that failed",
		}),

		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_state",
			Help:      "Current monitor state (1 for the active state)",
		}, []string{"rendition", "state"}),
		pollErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_poll_errors",
			Help:      "Consecutive failed playlist polls",
		}, rendition),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_parts_total",
			Help:      "Parts abandoned by skip-ahead",
		}, rendition),
		partTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "part_target_seconds",
			Help:      "Last seen PART-INF PART-TARGET",
		}, rendition),
	}

	registry.MustRegister(
		c.info, c.renditions, c.activeMonitors, c.elapsed,
		c.requests, c.slow, c.bytes, c.failures,
		c.responseTime, c.downloadTime, c.liveQuantile,
		c.throughput, c.rollingRate, c.requestRate, c.errorRatio,
		c.state, c.pollErrors, c.skipped, c.partTarget,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.StreamURL, cfg.RunID).Set(1)
	return c
}

// =============================================================================
// Monitor callbacks
// =============================================================================

// Callbacks returns monitor callbacks that feed this collector.
func (c *Collector) Callbacks() monitor.Callbacks {
	return monitor.Callbacks{
		OnStateChange: c.StateChanged,
		OnRequest:     c.RecordRequest,
		OnPollErrors:  c.SetPollErrors,
		OnSkipped:     c.AddSkipped,
	}
}

// RegisterRendition initializes the per-rendition series so they are
// exported before the first request completes.
func (c *Collector) RegisterRendition(info stats.RenditionInfo) {
	r := label(info.Index)
	c.pollErrors.WithLabelValues(r).Set(0)
	c.skipped.WithLabelValues(r)
	for _, s := range monitor.AllStates {
		c.state.WithLabelValues(r, s.String()).Set(0)
	}
	c.state.WithLabelValues(r, monitor.StateCreated.String()).Set(1)
}

// SetRenditions records how many renditions were selected.
func (c *Collector) SetRenditions(n int) {
	c.renditions.Set(float64(n))
}

// RecordRequest folds one completed request into the request metrics.
func (c *Collector) RecordRequest(info stats.RenditionInfo, kind stats.Kind, v monitor.Verdict, res fetch.Result) {
	r, k := label(info.Index), kind.String()

	c.requests.WithLabelValues(r, k, v.Class.String()).Inc()
	if v.Slow {
		c.slow.WithLabelValues(r, k).Inc()
	}
	if res.Failure != fetch.FailureNone {
		c.failures.WithLabelValues(r, k, res.Failure.String()).Inc()
	}
	if res.Bytes > 0 {
		c.bytes.WithLabelValues(r, k).Add(float64(res.Bytes))
	}
	if res.ResponseTime > 0 {
		c.responseTime.WithLabelValues(r, k).Observe(res.ResponseTime.Seconds())
	}
	if res.Succeeded() {
		c.downloadTime.WithLabelValues(r, k).Observe(res.DownloadTime.Seconds())
		if res.Throughput > 0 {
			c.throughput.WithLabelValues(r, k).Observe(res.Throughput)
		}
	}
}

// StateChanged moves the rendition's state series and the active count.
func (c *Collector) StateChanged(index int, oldState, newState monitor.State) {
	r := label(index)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.WithLabelValues(r, oldState.String()).Set(0)
	c.state.WithLabelValues(r, newState.String()).Set(1)
	c.states[index] = newState

	active := 0
	for _, s := range c.states {
		if s.IsActive() {
			active++
		}
	}
	c.activeMonitors.Set(float64(active))
}

// SetPollErrors records the rendition's consecutive poll error count.
func (c *Collector) SetPollErrors(index int, consecutive int) {
	c.pollErrors.WithLabelValues(label(index)).Set(float64(consecutive))
}

// AddSkipped counts parts abandoned by skip-ahead.
func (c *Collector) AddSkipped(index int, n int64) {
	if n > 0 {
		c.skipped.WithLabelValues(label(index)).Add(float64(n))
	}
}

// =============================================================================
// Periodic update
// =============================================================================

// Update refreshes the gauges derived from live snapshots and rolling
// rates. Called once per second by the orchestrator.
func (c *Collector) Update(snapshots []stats.Snapshot, rates timeseries.Rates) {
	c.elapsed.Set(time.Since(c.startTime).Seconds())

	for _, s := range snapshots {
		r := label(s.Info.Index)
		if s.PartTarget > 0 {
			c.partTarget.WithLabelValues(r).Set(s.PartTarget)
		}
		if s.Total(stats.KindPart) > 0 {
			c.setQuantiles(r, stats.KindPart, s.PartP50, s.PartP95, s.PartP99)
		}
		if s.Total(stats.KindPlaylist) > 0 {
			c.setQuantiles(r, stats.KindPlaylist, s.PlaylistP50, s.PlaylistP95, s.PlaylistP99)
		}
	}

	c.rollingRate.WithLabelValues("1s").Set(rates.Bytes1s)
	c.rollingRate.WithLabelValues("10s").Set(rates.Bytes10s)
	c.rollingRate.WithLabelValues("60s").Set(rates.Bytes60s)
	c.rollingRate.WithLabelValues("5m").Set(rates.Bytes5m)
	c.rollingRate.WithLabelValues("overall").Set(rates.BytesOverall)
	c.requestRate.Set(rates.Requests10s)
	c.errorRatio.Set(rates.ErrorRatio60s)
}

func (c *Collector) setQuantiles(r string, kind stats.Kind, p50, p95, p99 time.Duration) {
	k := kind.String()
	c.liveQuantile.WithLabelValues(r, k, "0.5").Set(p50.Seconds())
	c.liveQuantile.WithLabelValues(r, k, "0.95").Set(p95.Seconds())
	c.liveQuantile.WithLabelValues(r, k, "0.99").Set(p99.Seconds())
}

// ActiveMonitors returns how many monitors are in an active state.
func (c *Collector) ActiveMonitors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.states {
		if s.IsActive() {
			n++
		}
	}
	return n
}

// States returns a copy of the last known state of every rendition.
func (c *Collector) States() map[int]monitor.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]monitor.State, len(c.states))
	for i, s := range c.states {
		out[i] = s
	}
	return out
}

func label(index int) string {
	return strconv.Itoa(index)
}
