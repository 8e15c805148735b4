package upload

import "time"

// `LinearDelay()` returns the retry scheduler: attempt `n` (1-based) waits
// `n * base` before the next try.  The scheduler is pure so tests can verify
// the schedule without sleeping.
func LinearDelay(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}
