// Package providers defines the ModelProvider capability the Turn
// Executor and Consensus Detector call into, plus a circuit-breaker
// wrapper and an in-memory mock used throughout the test suite. Spec
// §6.1.
package providers

import (
	"context"
	"time"

	"roundtable/internal/rterrors"
)

// ChatMessage mirrors protocol.ChatMessage without importing it, keeping
// this package's dependency surface one-directional (protocol depends
// on discussion only; providers stays a leaf).
type ChatMessage struct {
	Role    string
	Content string
}

// StreamRequest is the request half of streamText (spec §6.1).
type StreamRequest struct {
	ModelID         string
	Messages        []ChatMessage
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
	StopSequences   []string
}

// Chunk is one piece of streamed output, fanned out via a channel rather
// than the spec's handler callbacks — the idiomatic Go shape for the
// same contract.
type Chunk struct {
	Text string
	Err  error
}

// FinishReason mirrors discussion.FinishReason; kept string-typed here
// so this package does not need to import discussion.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishError         FinishReason = "error"
)

// Usage is the token accounting returned alongside a finished turn.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamResult is finalResponse from spec §6.1.
type StreamResult struct {
	Text         string
	Usage        Usage
	FinishReason FinishReason
	DurationMs   int64
}

// ModelProvider is the capability every vendor adapter must offer. Per-
// vendor SDK adapters are a Non-goal (spec §1); callers see only this
// interface.
type ModelProvider interface {
	// Initialize confirms the provider is ready to serve requests,
	// returning a normalized *rterrors.Error on failure.
	Initialize(ctx context.Context) error

	// StreamText issues a streamed generation. It returns a chunk
	// channel, a result channel and an error channel; a call ends with
	// either one StreamResult or one error, after which all three
	// channels are closed. Callers must drain them. ctx cancellation
	// unwinds the in-flight call.
	StreamText(ctx context.Context, req StreamRequest) (<-chan Chunk, <-chan StreamResult, <-chan error)

	// ID is the stable provider identifier (e.g. "claude", "gpt").
	ID() string
}

// normalizeError maps an arbitrary error into the §6.1 taxonomy. Vendor
// adapters should call this at their boundary rather than leaking raw
// transport errors upward.
func normalizeError(code rterrors.Code, message string, retryable bool, statusCode int, cause error) *rterrors.Error {
	err := rterrors.Wrap(code, message, cause)
	err.Retryable = retryable
	err.StatusCode = statusCode
	return err
}

// retryAfter builds a RetryAfter-populated variant of normalizeError for
// codes the §4.3 retry policy should back off on.
func retryAfter(code rterrors.Code, message string, after time.Duration, statusCode int, cause error) *rterrors.Error {
	err := normalizeError(code, message, true, statusCode, cause)
	err.RetryAfter = &after
	return err
}
