package providers

import (
	"context"
	"strings"
	"time"
)

// MockProvider is a scriptable in-memory ModelProvider used by the
// turn executor, consensus detector, and orchestrator test suites.
type MockProvider struct {
	id string

	// Responses is consumed in order, one per StreamText call; the last
	// entry repeats once exhausted. Each response is split into chunks
	// on word boundaries to exercise streaming.
	Responses []string

	// InitErr, if set, is returned by Initialize.
	InitErr error

	// StreamErr, if set, is sent on the error channel instead of a
	// result for every subsequent call.
	StreamErr error

	// Delay simulates generation latency, useful for deadline tests.
	Delay time.Duration

	calls int
}

// NewMockProvider returns a MockProvider that yields responses in order.
func NewMockProvider(id string, responses ...string) *MockProvider {
	return &MockProvider{id: id, Responses: responses}
}

func (m *MockProvider) ID() string { return m.id }

func (m *MockProvider) Initialize(ctx context.Context) error {
	return m.InitErr
}

func (m *MockProvider) StreamText(ctx context.Context, req StreamRequest) (<-chan Chunk, <-chan StreamResult, <-chan error) {
	chunkOut := make(chan Chunk, 16)
	resultOut := make(chan StreamResult, 1)
	errOut := make(chan error, 1)

	response := m.nextResponse()
	m.calls++

	go func() {
		defer close(chunkOut)
		defer close(resultOut)
		defer close(errOut)

		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				errOut <- ctx.Err()
				return
			}
		}

		if m.StreamErr != nil {
			errOut <- m.StreamErr
			return
		}

		words := strings.Fields(response)
		for i, w := range words {
			text := w
			if i > 0 {
				text = " " + w
			}
			select {
			case chunkOut <- Chunk{Text: text}:
			case <-ctx.Done():
				errOut <- ctx.Err()
				return
			}
		}

		resultOut <- StreamResult{
			Text:         response,
			Usage:        Usage{PromptTokens: len(req.Messages) * 10, CompletionTokens: len(words)},
			FinishReason: FinishStop,
			DurationMs:   m.Delay.Milliseconds(),
		}
	}()

	return chunkOut, resultOut, errOut
}

func (m *MockProvider) nextResponse() string {
	if len(m.Responses) == 0 {
		return ""
	}
	if m.calls < len(m.Responses) {
		return m.Responses[m.calls]
	}
	return m.Responses[len(m.Responses)-1]
}
