package monitor

import (
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	want := map[State]string{
		StateCreated:     "created",
		StatePolling:     "polling",
		StateDownloading: "downloading",
		StateIdle:        "idle",
		StateBackoff:     "backoff",
		StateStopped:     "stopped",
		State(99):        "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), name)
		}
	}
	if len(AllStates) != 6 {
		t.Errorf("AllStates has %d entries", len(AllStates))
	}
}

func TestState_Predicates(t *testing.T) {
	if StateCreated.IsActive() || StateStopped.IsActive() {
		t.Error("created/stopped should not be active")
	}
	if !StateIdle.IsActive() || !StateBackoff.IsActive() {
		t.Error("idle/backoff should be active")
	}
}

func TestBackoff_DefaultIsOneSecond(t *testing.T) {
	b := NewBackoff(0, 0, DefaultBackoffConfig())
	for i := 0; i < 5; i++ {
		if d := b.Next(); d != time.Second {
			t.Fatalf("attempt %d: delay = %v, want 1s", i, d)
		}
	}
	if b.Attempts() != 5 {
		t.Errorf("Attempts() = %d", b.Attempts())
	}
	b.Reset()
	if b.Attempts() != 0 {
		t.Error("Reset() did not clear attempts")
	}
}

func TestBackoff_GrowsToMax(t *testing.T) {
	b := NewBackoff(1, 42, BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if d := b.Next(); d != w*time.Millisecond {
			t.Errorf("attempt %d: delay = %v, want %v", i, d, w*time.Millisecond)
		}
	}
}

func TestBackoff_JitterIsDeterministic(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: time.Second, Multiplier: 1, JitterPct: 0.4}
	a := NewBackoff(3, 7, cfg)
	b := NewBackoff(3, 7, cfg)
	for i := 0; i < 10; i++ {
		da, db := a.Next(), b.Next()
		if da != db {
			t.Fatalf("attempt %d: %v != %v", i, da, db)
		}
		if da < 800*time.Millisecond || da > 1200*time.Millisecond {
			t.Errorf("attempt %d: %v outside ±20%%", i, da)
		}
	}
}
