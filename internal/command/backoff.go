package command

import (
	"math"
	"math/rand/v2"
	"time"
)

// CalculateBackoffDelay returns the sleep before retry attempt (0-based):
// base doubled per attempt with ±25% jitter, clamped to [0, maxTimeout/2].
// The jitter is drawn independently per call so retrying callers spread out.
func CalculateBackoffDelay(base time.Duration, attempt int, maxTimeout time.Duration) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)) * jitter)

	ceiling := maxTimeout / 2
	if d < 0 {
		return 0
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
