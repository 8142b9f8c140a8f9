package command

import (
	"testing"
	"time"
)

func TestCalculateBackoffDelayBounds(t *testing.T) {
	base := 500 * time.Millisecond
	timeout := 30 * time.Second

	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 100; i++ {
			d := CalculateBackoffDelay(base, attempt, timeout)
			if d < 0 || d > timeout/2 {
				t.Fatalf("attempt %d: delay %s outside [0, %s]", attempt, d, timeout/2)
			}
		}
	}
}

func TestCalculateBackoffDelayGrows(t *testing.T) {
	base := 100 * time.Millisecond
	timeout := time.Hour // large enough that the clamp never engages here

	// With ±25% jitter, attempt n's maximum (1.25 * base * 2^n) is below
	// attempt n+2's minimum (0.75 * base * 2^(n+2)), so sampling once per
	// attempt two apart must be increasing.
	for attempt := 0; attempt < 8; attempt += 2 {
		lo := CalculateBackoffDelay(base, attempt, timeout)
		hi := CalculateBackoffDelay(base, attempt+2, timeout)
		if hi <= lo {
			t.Errorf("attempt %d delay %s not above attempt %d delay %s", attempt+2, hi, attempt, lo)
		}
	}
}

func TestCalculateBackoffDelayClamps(t *testing.T) {
	base := time.Second
	timeout := 4 * time.Second

	// 2^10 seconds dwarfs timeout/2 even with negative jitter.
	if d := CalculateBackoffDelay(base, 10, timeout); d != timeout/2 {
		t.Errorf("expected clamp to %s, got %s", timeout/2, d)
	}
}

func TestCalculateBackoffDelayZeroBase(t *testing.T) {
	if d := CalculateBackoffDelay(0, 3, time.Minute); d != 0 {
		t.Errorf("zero base should yield 0, got %s", d)
	}
	if d := CalculateBackoffDelay(-time.Second, 3, time.Minute); d != 0 {
		t.Errorf("negative base should yield 0, got %s", d)
	}
}
