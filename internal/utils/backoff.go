package utils

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before the next reconnect attempt:
// base × 2^failures, capped at max, with ±10% random jitter so that many
// devices losing a network segment at once do not retry in lockstep.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	delay := max
	if failures < 30 { // 2^30 × base overflows for any realistic base
		delay = base << uint(failures)
		if delay > max || delay <= 0 {
			delay = max
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter
	if delay < base {
		delay = base
	}
	return delay
}
