package orchestrator

import (
	"math/rand"
	"time"
)

// JitterSource provides deterministic, per-rendition jitter values.
// The same seed and rendition index always produce the same offset, so a
// rerun with a fixed seed starts monitors on the same schedule.
type JitterSource struct {
	seed int64
}

// NewJitterSource creates a jitter source with the given seed.
func NewJitterSource(seed int64) *JitterSource {
	return &JitterSource{seed: seed}
}

// NewJitterSourceFromTime creates a jitter source seeded from the current time.
func NewJitterSourceFromTime() *JitterSource {
	return NewJitterSource(time.Now().UnixNano())
}

// forRendition returns a random number generator seeded for one rendition.
func (j *JitterSource) forRendition(index int) *rand.Rand {
	return rand.New(rand.NewSource(int64(index) ^ j.seed))
}

// Jitter returns a duration in [0, maxJitter) for the rendition.
func (j *JitterSource) Jitter(index int, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(j.forRendition(index).Int63n(int64(maxJitter)))
}
