package scheduler

import (
	"math/rand/v2"
	"time"
)

const (
	// RetryBase is the minimum delay before retrying a failed sync.
	RetryBase = time.Second

	// RetryCap is the maximum delay before retrying a failed sync.
	RetryCap = 30 * time.Second

	// maxRetryShift caps the exponent so RetryBase<<shift cannot overflow
	// time.Duration. 2^5 * 1s already exceeds RetryCap.
	maxRetryShift = 5
)

// retryBounds returns the [floor, ceiling] window the delay for the given
// attempt is drawn from. Both ends are non-decreasing in attempt.
func retryBounds(attempt int) (time.Duration, time.Duration) {
	shift := min(max(attempt, 0), maxRetryShift)

	ceiling := min(RetryBase<<shift, RetryCap)
	floor := max(RetryBase, ceiling/2)

	return floor, ceiling
}

// RetryDelay returns the backoff before retry number attempt+1. The delay
// grows exponentially from RetryBase up to RetryCap and is drawn uniformly
// from the top half of each step so that many clients failing together do
// not retry together.
func RetryDelay(attempt int) time.Duration {
	return retryDelay(attempt, rand.Int64N) //nolint:gosec // G404: jitter has no security impact
}

func retryDelay(attempt int, randN func(int64) int64) time.Duration {
	floor, ceiling := retryBounds(attempt)

	span := ceiling - floor
	if span <= 0 {
		return floor
	}

	return floor + time.Duration(randN(int64(span)+1))
}
