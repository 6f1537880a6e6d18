package providers

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"roundtable/internal/rterrors"
)

// BreakerSettings configures the circuit breaker wrapping a provider.
// Grounded on the LLM settings the pack's exchange-circuit-breaker
// manager uses for its model calls: fewer minimum requests and a longer
// open timeout than a typical HTTP dependency, since an LLM provider
// outage tends to be longer and costlier to keep hammering.
type BreakerSettings struct {
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

// DefaultBreakerSettings mirrors the pack's LLM breaker defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:  3,
		FailureRatio: 0.6,
		OpenTimeout:  60 * time.Second,
	}
}

// BreakerProvider wraps a ModelProvider so that a provider failing hard
// trips open instead of being hammered by the turn executor's retry
// policy every round.
type BreakerProvider struct {
	inner   ModelProvider
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker wraps inner with a circuit breaker using settings.
func WithBreaker(inner ModelProvider, settings BreakerSettings) *BreakerProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.ID(),
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
	})
	return &BreakerProvider{inner: inner, breaker: cb}
}

func (b *BreakerProvider) ID() string { return b.inner.ID() }

func (b *BreakerProvider) Initialize(ctx context.Context) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Initialize(ctx)
	})
	return unwrapBreakerError(err, b.inner.ID())
}

// StreamText runs the inner call synchronously to completion inside the
// breaker (so its success/failure feeds the trip decision), then
// replays the buffered chunks to the caller. This trades a small amount
// of streaming latency for a simple, correct breaker signal.
func (b *BreakerProvider) StreamText(ctx context.Context, req StreamRequest) (<-chan Chunk, <-chan StreamResult, <-chan error) {
	chunkOut := make(chan Chunk, 64)
	resultOut := make(chan StreamResult, 1)
	errOut := make(chan error, 1)

	go func() {
		defer close(chunkOut)
		defer close(resultOut)
		defer close(errOut)

		var buffered []Chunk
		var result StreamResult
		var streamErr error

		_, breakerErr := b.breaker.Execute(func() (interface{}, error) {
			chunks, results, errs := b.inner.StreamText(ctx, req)
			for c := range chunks {
				buffered = append(buffered, c)
			}
			select {
			case result = <-results:
			default:
			}
			select {
			case streamErr = <-errs:
			default:
			}
			return nil, streamErr
		})

		for _, c := range buffered {
			chunkOut <- c
		}

		if breakerErr != nil {
			errOut <- unwrapBreakerError(breakerErr, b.inner.ID())
			return
		}
		resultOut <- result
	}()

	return chunkOut, resultOut, errOut
}

// unwrapBreakerError maps gobreaker's own sentinel errors (open circuit,
// too many half-open requests) onto the provider error taxonomy.
func unwrapBreakerError(err error, providerID string) error {
	if err == nil {
		return nil
	}
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		e := rterrors.Wrap(rterrors.CodeProviderError, "provider "+providerID+" circuit open", err)
		e.Retryable = true
		after := 5 * time.Second
		e.RetryAfter = &after
		return e
	default:
		return err
	}
}
