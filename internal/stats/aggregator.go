// Package stats accumulates per-rendition request outcomes and timings.
//
// The Aggregator is the only object written by many goroutines at once:
// every StreamMonitor and every part worker records into it. Writes for one
// rendition are serialised by that rendition's mutex; renditions never
// contend with each other once registered.
//
// Raw samples are kept for the teardown percentiles, up to a cap per
// request class. Past the cap a uniform reservoir keeps the percentiles
// representative while min, avg, max and sum_delay stay exact. A t-digest
// per request class backs the live quantiles shown while the run is in
// progress.
package stats

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Aggregator collects samples for all renditions.
//
// Thread-safe: all methods can be called concurrently.
type Aggregator struct {
	mu         sync.RWMutex
	renditions map[int]*renditionStats
	startTime  time.Time
	sampleCap  int
}

// DefaultSampleCap is the number of raw samples kept per rendition and
// request class before reservoir sampling starts.
const DefaultSampleCap = 50_000

type renditionStats struct {
	mu         sync.Mutex
	info       RenditionInfo
	partTarget float64
	finished   bool
	skipped    int64
	lastStatus string
	classes    [kindCount]classAccumulator
}

type classAccumulator struct {
	counts  [classCount]int64
	slow    int64
	bytes   int64
	samples []Sample // reservoir once seen exceeds the cap
	seen    int64
	digest  *tdigest.TDigest // response time, ms

	// Exact over every sample, used once the reservoir is in effect.
	responseMs, downloadMs, throughputMbps extent
	sumDelay                               time.Duration
}

// extent tracks min, max and sum of a series.
type extent struct {
	min, max, sum float64
	n             int64
}

func (e *extent) add(v float64) {
	if e.n == 0 || v < e.min {
		e.min = v
	}
	if e.n == 0 || v > e.max {
		e.max = v
	}
	e.sum += v
	e.n++
}

// apply overwrites the order statistics that a reservoir cannot give exactly.
func (e extent) apply(d *Distribution) {
	if e.n == 0 {
		return
	}
	d.Min, d.Max, d.Avg = e.min, e.max, e.sum/float64(e.n)
}

// NewAggregator creates an empty aggregator with DefaultSampleCap.
func NewAggregator() *Aggregator {
	return NewAggregatorWithCap(DefaultSampleCap)
}

// NewAggregatorWithCap creates an empty aggregator keeping at most limit
// raw samples per rendition and request class.
func NewAggregatorWithCap(limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultSampleCap
	}
	return &Aggregator{
		renditions: make(map[int]*renditionStats),
		startTime:  time.Now(),
		sampleCap:  limit,
	}
}

// Register adds a rendition. Registering an index twice replaces its info
// but keeps recorded samples.
func (a *Aggregator) Register(info RenditionInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.renditions[info.Index]; ok {
		r.mu.Lock()
		r.info = info
		r.mu.Unlock()
		return
	}
	a.renditions[info.Index] = newRenditionStats(info)
}

func newRenditionStats(info RenditionInfo) *renditionStats {
	r := &renditionStats{info: info}
	for i := range r.classes {
		r.classes[i].digest = tdigest.NewWithCompression(100)
	}
	return r
}

func (a *Aggregator) get(index int) *renditionStats {
	a.mu.RLock()
	r, ok := a.renditions[index]
	a.mu.RUnlock()
	if ok {
		return r
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok = a.renditions[index]; !ok {
		r = newRenditionStats(RenditionInfo{Index: index})
		a.renditions[index] = r
	}
	return r
}

// Record folds one completed request into the rendition's counters.
func (a *Aggregator) Record(index int, kind Kind, class Classification, slow bool, s Sample) {
	if kind < 0 || int(kind) >= kindCount || class < 0 || int(class) >= classCount {
		return
	}
	r := a.get(index)

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &r.classes[kind]
	c.counts[class]++
	if slow {
		c.slow++
	}
	c.bytes += s.Bytes
	c.digest.Add(durationMs(s.ResponseTime), 1)

	c.responseMs.add(durationMs(s.ResponseTime))
	c.downloadMs.add(durationMs(s.DownloadTime))
	c.throughputMbps.add(s.Throughput / 1e6)
	if s.ResponseTime > time.Duration(r.partTarget*float64(time.Second)) {
		c.sumDelay += s.ResponseTime
	}

	c.seen++
	if len(c.samples) < a.sampleCap {
		c.samples = append(c.samples, s)
	} else if j := rand.Int64N(c.seen); j < int64(len(c.samples)) {
		c.samples[j] = s
	}
}

// SetPartTarget stores the last part target seen for a rendition.
func (a *Aggregator) SetPartTarget(index int, seconds float64) {
	r := a.get(index)
	r.mu.Lock()
	r.partTarget = seconds
	r.mu.Unlock()
}

// SetStatus stores the last status line for a rendition.
func (a *Aggregator) SetStatus(index int, status string) {
	r := a.get(index)
	r.mu.Lock()
	r.lastStatus = status
	r.mu.Unlock()
}

// AddSkipped counts parts abandoned by a catch-up skip.
func (a *Aggregator) AddSkipped(index int, n int64) {
	if n <= 0 {
		return
	}
	r := a.get(index)
	r.mu.Lock()
	r.skipped += n
	r.mu.Unlock()
}

// Finish marks a rendition as done. Samples recorded later are still kept.
func (a *Aggregator) Finish(index int) {
	r := a.get(index)
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
}

// StartTime returns when the aggregator was created.
func (a *Aggregator) StartTime() time.Time {
	return a.startTime
}

// Elapsed returns the duration since the aggregator was created.
func (a *Aggregator) Elapsed() time.Duration {
	return time.Since(a.startTime)
}

func (a *Aggregator) sorted() []*renditionStats {
	a.mu.RLock()
	list := make([]*renditionStats, 0, len(a.renditions))
	for _, r := range a.renditions {
		list = append(list, r)
	}
	a.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].info.Index < list[j].info.Index
	})
	return list
}

// Snapshot returns a live view of every rendition, ordered by index.
func (a *Aggregator) Snapshot() []Snapshot {
	list := a.sorted()
	out := make([]Snapshot, 0, len(list))
	for _, r := range list {
		r.mu.Lock()
		s := Snapshot{
			Info:       r.info,
			PartTarget: r.partTarget,
			Finished:   r.finished,
			Skipped:    r.skipped,
			LastStatus: r.lastStatus,
		}
		for k := range r.classes {
			c := &r.classes[k]
			s.Requests[k] = c.counts
			s.Slow[k] = c.slow
			s.Bytes += c.bytes
		}
		if d := r.classes[KindPart].digest; len(r.classes[KindPart].samples) > 0 {
			s.PartP50 = msDuration(d.Quantile(0.50))
			s.PartP95 = msDuration(d.Quantile(0.95))
			s.PartP99 = msDuration(d.Quantile(0.99))
		}
		if d := r.classes[KindPlaylist].digest; len(r.classes[KindPlaylist].samples) > 0 {
			s.PlaylistP50 = msDuration(d.Quantile(0.50))
			s.PlaylistP95 = msDuration(d.Quantile(0.95))
			s.PlaylistP99 = msDuration(d.Quantile(0.99))
		}
		r.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// Summarize builds the final per-rendition summaries, ordered by index.
// The result shares no memory with the aggregator.
func (a *Aggregator) Summarize() []RenditionSummary {
	list := a.sorted()
	out := make([]RenditionSummary, 0, len(list))
	for _, r := range list {
		r.mu.Lock()
		delayLimit := time.Duration(r.partTarget * float64(time.Second))
		sum := RenditionSummary{
			Info:         r.info,
			PartTarget:   r.partTarget,
			Playlist:     r.classes[KindPlaylist].summarize(delayLimit),
			Parts:        r.classes[KindPart].summarize(delayLimit),
			Init:         r.classes[KindInit].summarize(delayLimit),
			SkippedParts: r.skipped,
		}
		r.mu.Unlock()
		out = append(out, sum)
	}
	return out
}

func (c *classAccumulator) summarize(delayLimit time.Duration) ClassStats {
	cs := ClassStats{
		OK:    c.counts[ClassOK],
		Stale: c.counts[ClassStale],
		Delay: c.counts[ClassDelay],
		Error: c.counts[ClassError],
		Slow:  c.slow,
		Bytes: c.bytes,
	}
	if len(c.samples) == 0 {
		return cs
	}

	rt := make([]float64, len(c.samples))
	dt := make([]float64, len(c.samples))
	tp := make([]float64, len(c.samples))
	for i, s := range c.samples {
		rt[i] = durationMs(s.ResponseTime)
		dt[i] = durationMs(s.DownloadTime)
		tp[i] = s.Throughput / 1e6
		if s.ResponseTime > delayLimit {
			cs.SumDelay += s.ResponseTime
		}
	}
	cs.ResponseTimeMs = Distribute(rt)
	cs.DownloadTimeMs = Distribute(dt)
	cs.ThroughputMbps = Distribute(tp)

	if c.seen > int64(len(c.samples)) {
		c.responseMs.apply(&cs.ResponseTimeMs)
		c.downloadMs.apply(&cs.DownloadTimeMs)
		c.throughputMbps.apply(&cs.ThroughputMbps)
		cs.SumDelay = c.sumDelay
	}
	return cs
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
