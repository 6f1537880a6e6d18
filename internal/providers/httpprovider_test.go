package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatCompletionsEncoder_Body(t *testing.T) {
	enc := NewGPTEncoder("sk-test", "gpt-5")
	body, err := enc.Body(StreamRequest{
		SystemPrompt: "be helpful",
		Messages:     []ChatMessage{{Role: "user", Content: "hello"}},
		Temperature:  0.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded chatCompletionRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if decoded.Model != "gpt-5" || !decoded.Stream {
		t.Errorf("unexpected request shape: %+v", decoded)
	}
	if len(decoded.Messages) != 2 || decoded.Messages[0].Role != "system" {
		t.Errorf("expected system prompt prepended, got %+v", decoded.Messages)
	}
}

func TestChatCompletionsEncoder_Authorize(t *testing.T) {
	enc := NewGPTEncoder("sk-test", "gpt-5")
	req := httptest.NewRequest(http.MethodPost, enc.Endpoint(), nil)
	enc.Authorize(req)
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("unexpected Authorization header: %q", got)
	}
}

func TestParseChatCompletionDelta(t *testing.T) {
	line := []byte(`{"choices":[{"delta":{"content":"hi"},"finish_reason":null}]}`)
	text, fr, ok := parseChatCompletionDelta(line)
	if !ok || text != "hi" || fr != "" {
		t.Errorf("unexpected parse: text=%q fr=%q ok=%v", text, fr, ok)
	}

	done := []byte(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`)
	text, fr, ok = parseChatCompletionDelta(done)
	if !ok || text != "" || fr != FinishStop {
		t.Errorf("unexpected finish parse: text=%q fr=%q ok=%v", text, fr, ok)
	}
}

func TestHTTPProvider_StreamsSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		frames := []string{
			`data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}` + "\n\n",
			`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}` + "\n\n",
			"data: [DONE]\n\n",
		}
		for _, chunk := range frames {
			w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer server.Close()

	enc := &ChatCompletionsEncoder{endpoint: server.URL, apiKey: "k", modelName: "m"}
	provider := NewHTTPProvider("test", enc)

	chunks, results, errs := provider.StreamText(context.Background(), StreamRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})
	var text strings.Builder
	var finish FinishReason
	for chunks != nil || results != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			text.WriteString(c.Text)
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			finish = r.FinishReason
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
	if text.String() != "Hello" {
		t.Errorf("expected 'Hello', got %q", text.String())
	}
	if finish != FinishStop {
		t.Errorf("expected FinishStop, got %s", finish)
	}
}
