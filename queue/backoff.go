package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before a job that failed retries times
// becomes claimable again
type Backoff func(retries int) time.Duration

// ExponentialBackoff doubles base per retry, adds up to base of jitter
// and caps the result at max
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(retries int) time.Duration {
		if base <= 0 {
			return 0
		}
		if retries < 0 {
			retries = 0
		}
		if retries > 30 {
			retries = 30
		}

		delay := base * time.Duration(1<<retries)
		if delay <= 0 || (max > 0 && delay > max) {
			delay = max
		}
		delay += time.Duration(rand.Int64N(int64(base)))
		if max > 0 && delay > max {
			delay = max
		}
		return delay
	}
}

// ConstantBackoff always waits d
func ConstantBackoff(d time.Duration) Backoff {
	return func(int) time.Duration {
		return d
	}
}
