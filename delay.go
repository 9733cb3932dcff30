package brighter

import (
	"time"
)

// DelayFunc returns the delay to wait after a given attempt.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc with the same delay for every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay on every attempt,
// capped at maxDelay. Attempt 0 waits the initial delay.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := delay
		for i := 0; i < attempt; i++ {
			if d >= maxDelay/2 {
				return maxDelay
			}
			d *= 2
		}
		return min(d, maxDelay)
	}
}
