package transport

import (
	"math/rand"
	"time"
)

// Reconnection backoff parameters. The delay before attempt n is
//
//	min(maxDelay, base * 2^min(n, backoffExponentCap) + jitter)
//
// with jitter drawn uniformly from [0, MaxJitter).
const (
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffMax caps the computed delay.
	DefaultBackoffMax = 60 * time.Second
	// DefaultMaxAttempts is the number of automatic retries before the
	// Manager parks and waits for an explicit Connect call.
	DefaultMaxAttempts = 10
	// MaxJitter is the exclusive upper bound of the random delay component.
	MaxJitter = 1 * time.Second

	backoffExponentCap = 6
)

// ReconnectDelay computes the backoff delay before retry attempt n.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(MaxJitter)))
	return reconnectDelayWithJitter(attempt, base, max, jitter)
}

// reconnectDelayWithJitter is the deterministic core of ReconnectDelay,
// separated so tests can pin the jitter.
func reconnectDelayWithJitter(attempt int, base, max time.Duration, jitter time.Duration) time.Duration {
	exp := attempt
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	delay := base<<uint(exp) + jitter
	if delay > max {
		return max
	}
	return delay
}
