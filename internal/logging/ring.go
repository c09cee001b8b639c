package logging

import (
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a kept line before truncation.
	MaxLineLength = 1024

	// DefaultRingSize is the number of lines kept when no size is given.
	DefaultRingSize = 20
)

// Ring keeps the most recent lines in a circular buffer and counts every
// line ever added by its leading status word.
//
// Thread-safe.
type Ring struct {
	mu     sync.Mutex
	buffer []string
	next   int
	total  int
	counts map[string]int
}

// NewRing creates a ring holding up to size lines.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{
		buffer: make([]string, size),
		counts: make(map[string]int),
	}
}

// Add stores line, truncating it if needed. status is the verdict text it
// is counted under, e.g. "ERROR 503".
func (r *Ring) Add(status, line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer[r.next] = line
	r.next = (r.next + 1) % len(r.buffer)
	r.total++
	r.counts[statusKey(status)]++
}

// Recent returns up to n of the most recent lines, oldest first.
func (r *Ring) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buffer)
	if n > size {
		n = size
	}
	if n > r.total {
		n = r.total
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - n + i + size) % size
		lines = append(lines, r.buffer[idx])
	}
	return lines
}

// Total returns how many lines were ever added.
func (r *Ring) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Counts returns how many lines were added per status key.
func (r *Ring) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// statusKey reduces a status to its first two words so that
// "ERROR 503" and "ERROR dial tcp ..." group sensibly.
func statusKey(status string) string {
	fields := strings.Fields(status)
	switch len(fields) {
	case 0:
		return "UNKNOWN"
	case 1:
		return fields[0]
	default:
		return fields[0] + " " + fields[1]
	}
}
