package monitor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for the sleep taken once a
// monitor has failed SleepAfter polls in a row.
type BackoffConfig struct {
	Initial    time.Duration // first delay (default: 1s)
	Max        time.Duration // cap (default: 1s)
	Multiplier float64       // growth per attempt (default: 1, constant)
	JitterPct  float64       // jitter as a fraction of the delay (default: 0)
}

// DefaultBackoffConfig returns a constant one second delay.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        time.Second,
		Multiplier: 1,
	}
}

// Backoff calculates backoff delays with optional growth and jitter.
// Each instance is tied to one rendition so jitter is reproducible.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff for a rendition. The index and seed are
// combined into the jitter source.
func NewBackoff(index int, seed int64, cfg BackoffConfig) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(index) ^ seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}
