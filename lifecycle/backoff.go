package lifecycle

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffFunc returns the wait duration before a reconnect attempt.
// The attempt parameter is one-based (1 for first retry, 2 for second, etc.).
type BackoffFunc func(attempt int) time.Duration

// ConstantBackoff creates a backoff function that always returns delay.
func ConstantBackoff(delay time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return delay
	}
}

// ExponentialBackoff creates a backoff function with exponential growth and
// jitter. Attempt n waits initialDelay * factor^(n-1), capped at maxDelay
// (0 = no limit), stretched by a random fraction of up to jitter.
//
// Jitter only lengthens a delay and is limited to factor-1, so consecutive
// delays never decrease and never exceed maxDelay.
func ExponentialBackoff(initialDelay time.Duration, factor float64, maxDelay time.Duration, jitter float64) BackoffFunc {
	if factor < 1 {
		factor = 1
	}
	if maxDelay <= 0 || maxDelay > noLimit {
		maxDelay = noLimit
	}
	applyJitter := newApplyJitterFunc(math.Min(jitter, factor-1))
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := float64(initialDelay) * math.Pow(factor, float64(attempt-1))
		if backoff >= float64(maxDelay) {
			return maxDelay
		}
		return min(applyJitter(time.Duration(backoff)), maxDelay)
	}
}

// noLimit caps unlimited backoff well below the float to int64 overflow.
const noLimit = time.Duration(1 << 62)

func newApplyJitterFunc(jitter float64) func(d time.Duration) time.Duration {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * (1.0 + rand.Float64()*jitter))
	}
}
