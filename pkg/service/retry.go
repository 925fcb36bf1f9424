package service

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = time.Second
	DefaultRetryCap   = 30 * time.Second
)

// Decision is the outcome of a retry consultation: either retry after Delay
// or give up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

func GiveUp() Decision { return Decision{} }

func RetryAfter(d time.Duration) Decision { return Decision{Retry: true, Delay: d} }

// RetryPolicy decides, on task failure, whether and when to re-attempt. It
// is a pure decision function; scheduling the re-attempt is the pool's job.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, Base: DefaultRetryBase, Cap: DefaultRetryCap}
}

// Decide takes the attempt that just failed (1-based) and the error class.
// Delays follow base * 2^attempt with +/- base jitter, capped, so they are
// non-decreasing across attempts for a fixed base within the jitter bounds.
func (p RetryPolicy) Decide(attempt int, class ErrorClass) Decision {
	if class == PermanentFailure {
		return GiveUp()
	}
	if attempt >= p.MaxRetries+1 || p.MaxRetries <= 0 {
		return GiveUp()
	}
	base := p.Base
	if base <= 0 {
		base = DefaultRetryBase
	}
	delay := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)*2+1)) - base
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	return RetryAfter(delay)
}
