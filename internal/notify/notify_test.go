package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/eventbus"
)

func TestNewSink_EmptyEndpointIsDisabled(t *testing.T) {
	s := NewSink("", zerolog.Nop())
	if s.enabled {
		t.Error("expected a sink with no endpoint to be disabled")
	}
}

func TestAttach_PostsStartedCompletedAndErrorEvents(t *testing.T) {
	var received []webhookPayload
	var mu sync.Mutex
	done := make(chan struct{}, 3)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}

		body, _ := io.ReadAll(r.Body)
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
			return
		}

		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer server.Close()

	bus := eventbus.New(zerolog.Nop())
	sink := NewSink(server.URL, zerolog.Nop())
	sink.Attach(bus)

	bus.Publish(discussion.Event{Type: discussion.EventDiscussionStarted, DiscussionID: "d-1", TimestampMs: 1})
	bus.Publish(discussion.Event{Type: discussion.EventRoundStarted, DiscussionID: "d-1", TimestampMs: 2})
	bus.Publish(discussion.Event{Type: discussion.EventDiscussionCompleted, DiscussionID: "d-1", TimestampMs: 3})
	bus.Publish(discussion.Event{Type: discussion.EventDiscussionError, DiscussionID: "d-1", TimestampMs: 4})

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for webhook posts")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("expected 3 posts (round-started excluded), got %d", len(received))
	}
	if received[0].Type != discussion.EventDiscussionStarted {
		t.Errorf("expected first post to be discussion-started, got %s", received[0].Type)
	}
	if received[0].Source != "roundtable" {
		t.Errorf("expected source roundtable, got %q", received[0].Source)
	}
	if received[0].DiscussionID != "d-1" {
		t.Errorf("expected discussionId d-1, got %q", received[0].DiscussionID)
	}
}

func TestAttach_DisabledSinkDoesNotPost(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	bus := eventbus.New(zerolog.Nop())
	sink := NewSink("", zerolog.Nop())
	sink.Attach(bus)

	bus.Publish(discussion.Event{Type: discussion.EventDiscussionStarted, DiscussionID: "d-1"})
	time.Sleep(50 * time.Millisecond)

	if called {
		t.Error("expected a disabled sink to never POST")
	}
}

func TestSend_HandlesServerErrorWithoutPanicking(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	bus := eventbus.New(zerolog.Nop())
	sink := NewSink(server.URL, zerolog.Nop())
	sink.Attach(bus)

	bus.Publish(discussion.Event{Type: discussion.EventDiscussionError, DiscussionID: "d-1"})
	time.Sleep(50 * time.Millisecond)
}

func TestSend_HandlesConnectionErrorWithoutPanicking(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	sink := NewSink("http://localhost:1/nonexistent", zerolog.Nop())
	sink.Attach(bus)

	bus.Publish(discussion.Event{Type: discussion.EventDiscussionStarted, DiscussionID: "d-1"})
	time.Sleep(50 * time.Millisecond)
}
