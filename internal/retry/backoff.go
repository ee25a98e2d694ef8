// Package retry implements the backoff policy used by the outbox reader
// and the dead-letter manager that quarantines and reprocesses
// permanently-failing envelopes.
package retry

import (
	"math/rand"
	"time"
)

// Backoff computes exponential-backoff-with-full-jitter delays:
// delay = min(cap, base * 2^attempt) * rand(0, 1), per spec.md §4.6.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// NewBackoff builds a Backoff with the given base and cap.
func NewBackoff(base, cap time.Duration) Backoff {
	return Backoff{Base: base, Cap: cap}
}

// Delay returns the jittered delay for the given zero-indexed attempt
// number (0 = first retry after the initial failure).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the exponent so 2^attempt can't overflow before the min() kicks
	// in; 32 attempts already dwarfs any realistic cap.
	exp := attempt
	if exp > 32 {
		exp = 32
	}
	ceiling := b.Base * time.Duration(1<<uint(exp))
	if ceiling <= 0 || ceiling > b.Cap {
		ceiling = b.Cap
	}
	jitter := rand.Float64()
	return time.Duration(float64(ceiling) * jitter)
}
