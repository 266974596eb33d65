package transport

import (
	"testing"
	"time"
)

func TestReconnectDelayMonotonicAndCapped(t *testing.T) {
	base := DefaultBackoffBase
	max := DefaultBackoffMax

	// With any fixed jitter the schedule must be non-decreasing across
	// attempts 0..9 and never exceed the cap. The uniform jitter is below the
	// base, so this also holds across independently drawn jitters.
	for _, jitter := range []time.Duration{0, 500 * time.Millisecond, MaxJitter - 1} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 10; attempt++ {
			d := reconnectDelayWithJitter(attempt, base, max, jitter)
			if d < prev {
				t.Errorf("jitter %v: delay decreased at attempt %d: %v < %v", jitter, attempt, d, prev)
			}
			if d > max {
				t.Errorf("jitter %v: delay %v exceeds cap %v at attempt %d", jitter, d, max, attempt)
			}
			prev = d
		}
	}
}

func TestReconnectDelayExponentCap(t *testing.T) {
	// Beyond attempt 6 the exponent stops growing; only jitter varies.
	a := reconnectDelayWithJitter(6, time.Millisecond, time.Hour, 0)
	b := reconnectDelayWithJitter(7, time.Millisecond, time.Hour, 0)
	c := reconnectDelayWithJitter(100, time.Millisecond, time.Hour, 0)
	if a != b || b != c {
		t.Errorf("exponent not capped: %v, %v, %v", a, b, c)
	}
	if a != 64*time.Millisecond {
		t.Errorf("capped delay = %v, want 64ms", a)
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	// Without jitter the schedule is base*2^n until the cap.
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for attempt, w := range want {
		got := reconnectDelayWithJitter(attempt, DefaultBackoffBase, DefaultBackoffMax, 0)
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, w)
		}
	}
}

func TestReconnectDelayJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := ReconnectDelay(0, DefaultBackoffBase, DefaultBackoffMax)
		if d < DefaultBackoffBase || d >= DefaultBackoffBase+MaxJitter {
			t.Fatalf("attempt-0 delay %v outside [base, base+jitter)", d)
		}
	}
}
