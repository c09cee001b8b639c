package stats

import (
	"path"
	"strings"
	"time"
)

// Classification is the verdict for one completed request.
// Values are ordered by severity.
type Classification int

const (
	ClassOK Classification = iota
	ClassDelay
	ClassStale
	ClassError

	classCount = 4
)

// String returns the upper-case label used in status lines and logs.
func (c Classification) String() string {
	switch c {
	case ClassOK:
		return "OK"
	case ClassDelay:
		return "DELAY"
	case ClassStale:
		return "STALE"
	case ClassError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Worse returns the more severe of c and o.
func (c Classification) Worse(o Classification) Classification {
	if o > c {
		return o
	}
	return c
}

// Kind is the request class a sample belongs to.
// The order is the fixed priority used when sorting request keys.
type Kind int

const (
	KindPlaylist Kind = iota
	KindPart
	KindInit

	kindCount = 3
)

// String returns a human-readable name for the request kind.
func (k Kind) String() string {
	switch k {
	case KindPlaylist:
		return "playlist"
	case KindPart:
		return "part"
	case KindInit:
		return "init"
	default:
		return "unknown"
	}
}

// Sample is the timing triple recorded for one request.
type Sample struct {
	ResponseTime time.Duration
	DownloadTime time.Duration
	Throughput   float64 // bits per second
	Bytes        int64
}

// RenditionInfo describes a monitored rendition.
type RenditionInfo struct {
	Index      int
	URI        string
	Resolution string
	Bandwidth  int64 // declared, bits per second
	Audio      bool
}

// Name returns the last path element of the rendition URI.
func (r RenditionInfo) Name() string {
	u := r.URI
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return path.Base(u)
}

// Distribution summarises one metric over all samples of a request class.
type Distribution struct {
	Min, Avg, Max      float64
	P50, P75, P95, P99 float64
}

// ClassStats is the teardown summary of one request class of one rendition.
type ClassStats struct {
	OK    int64
	Stale int64
	Delay int64
	Error int64
	Slow  int64
	Bytes int64

	// SumDelay is the total response time of requests slower than the part target.
	SumDelay time.Duration

	ResponseTimeMs Distribution
	DownloadTimeMs Distribution
	ThroughputMbps Distribution
}

// Total returns the number of classified requests.
func (c ClassStats) Total() int64 {
	return c.OK + c.Stale + c.Delay + c.Error
}

// RenditionSummary is the immutable per-rendition result built at teardown.
type RenditionSummary struct {
	Info       RenditionInfo
	PartTarget float64 // seconds, last seen

	Playlist ClassStats
	Parts    ClassStats
	Init     ClassStats

	SkippedParts int64
}

// Snapshot is a live view of one rendition for dashboards and metrics.
type Snapshot struct {
	Info       RenditionInfo
	PartTarget float64
	Finished   bool

	Requests [kindCount][classCount]int64
	Slow     [kindCount]int64
	Bytes    int64
	Skipped  int64

	// Live response-time quantiles for parts and playlists (t-digest).
	PartP50, PartP95, PartP99             time.Duration
	PlaylistP50, PlaylistP95, PlaylistP99 time.Duration

	LastStatus string
}

// Count returns the number of requests of kind k classified as c.
func (s Snapshot) Count(k Kind, c Classification) int64 {
	if k < 0 || int(k) >= kindCount || c < 0 || int(c) >= classCount {
		return 0
	}
	return s.Requests[k][c]
}

// Total returns the number of requests of kind k.
func (s Snapshot) Total(k Kind) int64 {
	var n int64
	for c := 0; c < classCount; c++ {
		n += s.Count(k, Classification(c))
	}
	return n
}
