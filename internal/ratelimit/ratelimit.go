// Package ratelimit enforces a per-provider request budget so that a
// runaway discussion cannot hammer a single model provider. Spec §5
// "Shared-resource policy": non-blocking, immediate rejection over
// queuing.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"roundtable/internal/rterrors"
)

// Limiter gates requests per providerID using a token bucket. The zero
// value is not usable; construct with New.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New returns a Limiter allowing rps requests/second per provider, with
// burst as the bucket size.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *Limiter) bucketFor(providerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[providerID]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[providerID] = b
	}
	return b
}

// Allow reports whether a request to providerID may proceed now. It
// never blocks: a denied request should surface as a retryable error to
// the caller, not be queued.
func (l *Limiter) Allow(providerID string) error {
	if l.bucketFor(providerID).Allow() {
		return nil
	}
	err := rterrors.New(rterrors.CodeRateLimit, "rate limit exceeded for provider "+providerID)
	err.Cause = rterrors.ErrRateLimitExceeded
	err.Retryable = true
	retryAfter := retryAfterFor(l.rps)
	err.RetryAfter = &retryAfter
	return err
}

// retryAfterFor estimates the wait until the next token is available
// for a bucket refilling at rps tokens/second.
func retryAfterFor(rps rate.Limit) time.Duration {
	if rps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(rps))
}
