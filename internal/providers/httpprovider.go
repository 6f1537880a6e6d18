package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roundtable/internal/rterrors"
)

// HTTPProvider is a chat-completions-style streaming adapter shared by
// every HTTP-backed vendor: only the endpoint, auth header, and request
// body shape differ, so those are supplied by an Encoder.
type HTTPProvider struct {
	id      string
	client  *http.Client
	encoder Encoder
}

// Encoder builds the outbound HTTP request for a StreamRequest and
// knows how to read that vendor's SSE delta format.
type Encoder interface {
	Endpoint() string
	Authorize(req *http.Request)
	Body(req StreamRequest) ([]byte, error)
	// ParseDelta extracts incremental text and an optional finish
	// reason from one decoded SSE data line. An empty finishReason
	// means generation continues.
	ParseDelta(line []byte) (text string, finishReason FinishReason, ok bool)
}

// NewHTTPProvider returns a ModelProvider backed by an HTTP streaming
// chat-completions endpoint described by encoder.
func NewHTTPProvider(id string, encoder Encoder) *HTTPProvider {
	return &HTTPProvider{id: id, client: &http.Client{}, encoder: encoder}
}

func (p *HTTPProvider) ID() string { return p.id }

func (p *HTTPProvider) Initialize(ctx context.Context) error {
	return nil
}

func (p *HTTPProvider) StreamText(ctx context.Context, req StreamRequest) (<-chan Chunk, <-chan StreamResult, <-chan error) {
	chunkOut := make(chan Chunk, 64)
	resultOut := make(chan StreamResult, 1)
	errOut := make(chan error, 1)

	go func() {
		defer close(chunkOut)
		defer close(resultOut)
		defer close(errOut)

		start := time.Now()

		body, err := p.encoder.Body(req)
		if err != nil {
			errOut <- normalizeError(rterrors.CodeValidationError, "encode request: "+err.Error(), false, 0, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.encoder.Endpoint(), bytes.NewReader(body))
		if err != nil {
			errOut <- normalizeError(rterrors.CodeValidationError, "build request: "+err.Error(), false, 0, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		p.encoder.Authorize(httpReq)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errOut <- classifyTransportError(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errOut <- classifyStatusError(resp.StatusCode, resp.Body)
			return
		}

		var full strings.Builder
		finish := FinishStop
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			line = bytes.TrimPrefix(line, []byte("data: "))
			if len(line) == 0 || string(line) == "[DONE]" {
				continue
			}
			text, fr, ok := p.encoder.ParseDelta(line)
			if !ok {
				continue
			}
			if text != "" {
				full.WriteString(text)
				select {
				case chunkOut <- Chunk{Text: text}:
				case <-ctx.Done():
					errOut <- rterrors.ErrCancelled
					return
				}
			}
			if fr != "" {
				finish = fr
			}
		}
		if err := scanner.Err(); err != nil {
			errOut <- classifyTransportError(err)
			return
		}

		resultOut <- StreamResult{
			Text:         full.String(),
			FinishReason: finish,
			DurationMs:   time.Since(start).Milliseconds(),
		}
	}()

	return chunkOut, resultOut, errOut
}

func classifyTransportError(err error) error {
	return normalizeError(rterrors.CodeConnectionError, "provider request failed: "+err.Error(), true, 0, err)
}

func classifyStatusError(status int, body io.Reader) error {
	payload, _ := io.ReadAll(body)
	msg := fmt.Sprintf("provider returned %d: %s", status, string(payload))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return normalizeError(rterrors.CodeAuthError, msg, false, status, nil)
	case http.StatusTooManyRequests:
		return retryAfter(rterrors.CodeRateLimit, msg, 5*time.Second, status, nil)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return retryAfter(rterrors.CodeConnectionError, msg, 2*time.Second, status, nil)
	case http.StatusRequestEntityTooLarge:
		return normalizeError(rterrors.CodeContextLength, msg, false, status, nil)
	case http.StatusNotFound:
		return normalizeError(rterrors.CodeModelNotFound, msg, false, status, nil)
	default:
		return normalizeError(rterrors.CodeProviderError, msg, status >= 500, status, nil)
	}
}

// chatCompletionDelta is the shape shared by the OpenAI/Grok-style
// chat-completions SSE format.
type chatCompletionDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func parseChatCompletionDelta(line []byte) (string, FinishReason, bool) {
	var d chatCompletionDelta
	if err := json.Unmarshal(line, &d); err != nil {
		return "", "", false
	}
	if len(d.Choices) == 0 {
		return "", "", false
	}
	choice := d.Choices[0]
	fr := FinishReason("")
	switch choice.FinishReason {
	case "stop":
		fr = FinishStop
	case "length":
		fr = FinishLength
	case "content_filter":
		fr = FinishContentFilter
	case "tool_calls":
		fr = FinishToolCalls
	}
	return choice.Delta.Content, fr, true
}
