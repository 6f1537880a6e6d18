package ratelimit

import (
	"errors"
	"testing"

	"roundtable/internal/rterrors"
)

func TestAllow_WithinBurst(t *testing.T) {
	l := New(1, 2)
	if err := l.Allow("provider-a"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	if err := l.Allow("provider-a"); err != nil {
		t.Fatalf("second request (within burst) should be allowed: %v", err)
	}
}

func TestAllow_ExceedsBurstRejected(t *testing.T) {
	l := New(0.001, 1)
	if err := l.Allow("provider-a"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	err := l.Allow("provider-a")
	if err == nil {
		t.Fatal("expected rate limit rejection")
	}
	var rtErr *rterrors.Error
	if !errors.As(err, &rtErr) {
		t.Fatalf("expected *rterrors.Error, got %T", err)
	}
	if rtErr.Code != rterrors.CodeRateLimit {
		t.Errorf("expected RATE_LIMIT code, got %s", rtErr.Code)
	}
	if !rtErr.Retryable || rtErr.RetryAfter == nil {
		t.Error("expected a retryable error with a RetryAfter hint")
	}
}

func TestAllow_IsolatedPerProvider(t *testing.T) {
	l := New(0.001, 1)
	if err := l.Allow("provider-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow("provider-b"); err != nil {
		t.Errorf("a different provider should have its own bucket: %v", err)
	}
}
