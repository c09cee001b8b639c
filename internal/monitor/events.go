package monitor

import (
	"fmt"
	"time"

	"github.com/apih9000/llhls-latency-monitoring/internal/fetch"
	"github.com/apih9000/llhls-latency-monitoring/internal/playlist"
	"github.com/apih9000/llhls-latency-monitoring/internal/stats"
)

// RequestKey identifies a request within a rendition. Keys order by
// position, then by kind (playlist before part before init).
type RequestKey struct {
	Position playlist.Position
	Kind     stats.Kind
}

// Compare returns -1, 0 or +1.
func (k RequestKey) Compare(o RequestKey) int {
	if c := k.Position.Compare(o.Position); c != 0 {
		return c
	}
	switch {
	case k.Kind < o.Kind:
		return -1
	case k.Kind > o.Kind:
		return 1
	}
	return 0
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s %s", k.Kind, k.Position)
}

// StartEvent is reported when a request is issued.
type StartEvent struct {
	ID        string
	Rendition stats.RenditionInfo
	Key       RequestKey
	URL       string

	// Initiator is the playlist URL that listed the part, empty for
	// playlist requests.
	Initiator string

	// ForceNewLine is set on the first playlist request after the
	// blocking parameters were stripped.
	ForceNewLine bool

	At time.Time
}

// StatusEvent is reported when a request completes.
type StatusEvent struct {
	ID        string
	Rendition stats.RenditionInfo
	Key       RequestKey
	Verdict   Verdict

	// Result has its Body removed.
	Result fetch.Result
}

// Reporter receives request lifecycle events. Implementations must be
// safe for concurrent use; part workers report from their own goroutines.
type Reporter interface {
	// DownloadStarted returns the ID used to correlate the matching
	// DownloadStatus. Implementations that keep no state return ev.ID.
	DownloadStarted(ev StartEvent) string
	DownloadStatus(ev StatusEvent)
	Summary(summaries []stats.RenditionSummary)
}

// Record is one completed request as written to the event log.
type Record struct {
	ID        string
	Started   time.Time
	Rendition int
	Key       RequestKey
	URL       string
	Initiator string
	Source    string

	Class  stats.Classification
	Status string
	Slow   bool

	Code         int
	Failure      fetch.Failure
	TimeHeaders  time.Duration
	DownloadTime time.Duration
	ResponseTime time.Duration
	Throughput   float64
	Bytes        int64
	Headers      []fetch.Header
	SavedPath    string
}

// EventLogger persists request records. ERROR verdicts go to Error, other
// non-OK verdicts to Warning and OK to Info.
type EventLogger interface {
	Info(r Record)
	Warning(r Record)
	Error(r Record)
	Exception(err error, source string)
}

// NopReporter discards all events.
type NopReporter struct{}

func (NopReporter) DownloadStarted(ev StartEvent) string { return ev.ID }
func (NopReporter) DownloadStatus(StatusEvent)           {}
func (NopReporter) Summary([]stats.RenditionSummary)     {}

// NopEventLogger discards all records.
type NopEventLogger struct{}

func (NopEventLogger) Info(Record)             {}
func (NopEventLogger) Warning(Record)          {}
func (NopEventLogger) Error(Record)            {}
func (NopEventLogger) Exception(error, string) {}

// logRecord routes r by its classification.
func logRecord(l EventLogger, r Record) {
	switch {
	case r.Class == stats.ClassError:
		l.Error(r)
	case r.Class != stats.ClassOK:
		l.Warning(r)
	default:
		l.Info(r)
	}
}
