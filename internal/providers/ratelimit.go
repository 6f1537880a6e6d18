package providers

import (
	"context"

	"roundtable/internal/ratelimit"
)

// RateLimitedProvider wraps a ModelProvider so that a runaway discussion
// (or several concurrent ones sharing a registry) cannot exceed a
// provider's request budget. Unlike BreakerProvider, which reacts to
// failures already in flight, this rejects before the call is made.
type RateLimitedProvider struct {
	inner   ModelProvider
	limiter *ratelimit.Limiter
}

// WithRateLimit wraps inner so every StreamText call first clears
// limiter's per-provider token bucket.
func WithRateLimit(inner ModelProvider, limiter *ratelimit.Limiter) *RateLimitedProvider {
	return &RateLimitedProvider{inner: inner, limiter: limiter}
}

func (r *RateLimitedProvider) ID() string { return r.inner.ID() }

func (r *RateLimitedProvider) Initialize(ctx context.Context) error {
	return r.inner.Initialize(ctx)
}

// StreamText rejects immediately, without queuing, when the provider's
// bucket is empty (spec §5 "Shared-resource policy"); the turn executor
// sees this as an ordinary retryable provider error and backs off using
// the RetryAfter hint the limiter attaches.
func (r *RateLimitedProvider) StreamText(ctx context.Context, req StreamRequest) (<-chan Chunk, <-chan StreamResult, <-chan error) {
	if err := r.limiter.Allow(r.inner.ID()); err != nil {
		chunkOut := make(chan Chunk)
		resultOut := make(chan StreamResult)
		errOut := make(chan error, 1)
		close(chunkOut)
		close(resultOut)
		errOut <- err
		close(errOut)
		return chunkOut, resultOut, errOut
	}
	return r.inner.StreamText(ctx, req)
}
