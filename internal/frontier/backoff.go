package frontier

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before the next attempt of a task that has
// already failed `retries` times: base * 2^retries plus a jitter drawn
// uniformly from [0, base), the whole capped at max. It is a pure function of
// its inputs so retry policy is testable without I/O or sleeps.
func Backoff(retries int, base, max time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	delay := max
	// The shift overflows past ~60 doublings; any ceiling that large is
	// already above every practical cap.
	if retries < 60 {
		shifted := base << uint(retries)
		if shifted > 0 && shifted < max {
			delay = shifted
		}
	}
	if delay < max && rng != nil {
		delay += time.Duration(rng.Int63n(int64(base)))
	}
	if delay > max {
		delay = max
	}
	return delay
}
