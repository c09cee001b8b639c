package tui

import (
	"bytes"
	"sync"

	"github.com/apih9000/llhls-latency-monitoring/internal/logging"
)

// DefaultFeedLines is the number of request lines a feed keeps.
const DefaultFeedLines = 200

// Feed is an io.Writer that keeps the latest complete lines written to it.
// A report.Console writing into a Feed lets the dashboard show the same
// request lines the plain console would print.
//
// Thread-safe.
type Feed struct {
	mu      sync.Mutex
	partial []byte
	ring    *logging.Ring
}

// NewFeed creates a feed keeping up to lines lines.
func NewFeed(lines int) *Feed {
	if lines <= 0 {
		lines = DefaultFeedLines
	}
	return &Feed{ring: logging.NewRing(lines)}
}

// Write splits p into lines. A trailing fragment is held until its newline
// arrives.
func (f *Feed) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.partial = append(f.partial, p...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		f.ring.Add("", string(f.partial[:i]))
		f.partial = f.partial[i+1:]
	}
	if len(f.partial) == 0 {
		f.partial = nil
	}
	return len(p), nil
}

// Lines returns up to n of the latest lines, oldest first.
func (f *Feed) Lines(n int) []string {
	return f.ring.Recent(n)
}

// Total returns how many lines were written.
func (f *Feed) Total() int {
	return f.ring.Total()
}
