package orchestrator

import (
	"context"
	"time"
)

// StartScheduler staggers monitor starts so renditions do not all issue
// their first blocking reload in the same instant.
type StartScheduler struct {
	interval  time.Duration
	maxJitter time.Duration
	jitter    *JitterSource
}

// NewStartScheduler creates a scheduler with the given spacing and jitter.
func NewStartScheduler(interval, maxJitter time.Duration) *StartScheduler {
	return &StartScheduler{
		interval:  interval,
		maxJitter: maxJitter,
		jitter:    NewJitterSourceFromTime(),
	}
}

// NewStartSchedulerWithSeed creates a scheduler with a specific seed for reproducibility.
func NewStartSchedulerWithSeed(interval, maxJitter time.Duration, seed int64) *StartScheduler {
	return &StartScheduler{
		interval:  interval,
		maxJitter: maxJitter,
		jitter:    NewJitterSource(seed),
	}
}

// Delay returns how long to wait before starting rendition index, counted
// from the previous start. The first rendition never waits.
func (s *StartScheduler) Delay(index int) time.Duration {
	if index == 0 {
		return 0
	}
	return s.interval + s.jitter.Jitter(index, s.maxJitter)
}

// Schedule waits before starting rendition index.
// Returns nil on success, or the context error if cancelled.
func (s *StartScheduler) Schedule(ctx context.Context, index int) error {
	d := s.Delay(index)
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

// EstimatedDuration returns the expected time to start n renditions.
func (s *StartScheduler) EstimatedDuration(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return time.Duration(n-1) * (s.interval + s.maxJitter/2)
}
