// Package timeseries keeps short rolling windows over cumulative counters.
//
// The monitor feeds it bytes and request outcomes as parts complete; a
// ticker in the orchestrator samples it once a second and the dashboard and
// metrics read rolling rates from it. Counters are lock-free; the sample
// ring is guarded by a RWMutex.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

// ringSize keeps five minutes of history at one sample per second.
const ringSize = 300

// Windows reported by Rates.
const (
	Window1s  = time.Second
	Window10s = 10 * time.Second
	Window60s = time.Minute
	Window5m  = 5 * time.Minute
)

// Clock lets tests drive time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type point struct {
	at       time.Time
	bytes    int64
	requests int64
	errors   int64
}

// RateTracker tracks cumulative bytes, requests and errors and derives
// per-second rates over fixed windows.
//
//	tr := NewRateTracker()
//	tr.Observe(n, false)   // per completed request
//	tr.Sample()            // once per second
//	r := tr.Rates()
type RateTracker struct {
	bytes    atomic.Int64
	requests atomic.Int64
	errors   atomic.Int64

	mu    sync.RWMutex
	ring  []point
	next  int
	start time.Time
	clock Clock
}

// Rates is a point-in-time view of the tracker.
type Rates struct {
	TotalBytes    int64
	TotalRequests int64
	TotalErrors   int64

	// Bytes per second
	Bytes1s, Bytes10s, Bytes60s, Bytes5m float64

	// Requests per second over the last 10s
	Requests10s float64

	// Fraction of requests over the last 60s that failed
	ErrorRatio60s float64

	// BytesOverall is the average since the tracker was created
	BytesOverall float64
}

// NewRateTracker creates a tracker on the system clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(systemClock{})
}

// NewRateTrackerWithClock creates a tracker on the given clock.
func NewRateTrackerWithClock(c Clock) *RateTracker {
	now := c.Now()
	return &RateTracker{
		ring:  append(make([]point, 0, ringSize), point{at: now}),
		start: now,
		clock: c,
	}
}

// Observe records one completed request.
func (t *RateTracker) Observe(bytes int64, failed bool) {
	if bytes > 0 {
		t.bytes.Add(bytes)
	}
	t.requests.Add(1)
	if failed {
		t.errors.Add(1)
	}
}

// Sample appends the current counters to the ring, overwriting the oldest
// entry once the ring is full.
func (t *RateTracker) Sample() {
	p := t.current(t.clock.Now())

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ring) < ringSize {
		t.ring = append(t.ring, p)
		return
	}
	t.ring[t.next] = p
	t.next = (t.next + 1) % ringSize
}

func (t *RateTracker) current(now time.Time) point {
	return point{
		at:       now,
		bytes:    t.bytes.Load(),
		requests: t.requests.Load(),
		errors:   t.errors.Load(),
	}
}

// Rates computes rolling rates. With less history than a window, the
// oldest retained sample is used as the window start.
func (t *RateTracker) Rates() Rates {
	now := t.clock.Now()
	cur := t.current(now)

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Rates{
		TotalBytes:    cur.bytes,
		TotalRequests: cur.requests,
		TotalErrors:   cur.errors,
	}
	if el := now.Sub(t.start).Seconds(); el > 0 {
		r.BytesOverall = float64(cur.bytes) / el
	}

	r.Bytes1s = perSecond(cur, t.base(now, Window1s), func(p point) int64 { return p.bytes })
	r.Bytes10s = perSecond(cur, t.base(now, Window10s), func(p point) int64 { return p.bytes })
	r.Bytes60s = perSecond(cur, t.base(now, Window60s), func(p point) int64 { return p.bytes })
	r.Bytes5m = perSecond(cur, t.base(now, Window5m), func(p point) int64 { return p.bytes })
	r.Requests10s = perSecond(cur, t.base(now, Window10s), func(p point) int64 { return p.requests })

	if b := t.base(now, Window60s); cur.requests > b.requests {
		r.ErrorRatio60s = float64(cur.errors-b.errors) / float64(cur.requests-b.requests)
	}
	return r
}

// base returns the newest sample taken at or before now-window, falling
// back to the oldest sample. Must be called with mu held.
func (t *RateTracker) base(now time.Time, window time.Duration) point {
	cutoff := now.Add(-window)
	var best *point
	for i := range t.ring {
		p := &t.ring[i]
		if p.at.After(cutoff) {
			continue
		}
		if best == nil || p.at.After(best.at) {
			best = p
		}
	}
	if best != nil {
		return *best
	}
	if len(t.ring) < ringSize {
		return t.ring[0]
	}
	return t.ring[t.next]
}

func perSecond(cur, base point, field func(point) int64) float64 {
	el := cur.at.Sub(base.at).Seconds()
	if el <= 0 {
		return 0
	}
	return float64(field(cur)-field(base)) / el
}

// Len returns the number of retained samples.
func (t *RateTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ring)
}
