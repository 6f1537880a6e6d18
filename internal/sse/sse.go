// Package sse frames discussion.Events onto an HTTP text/event-stream
// response, with periodic keep-alives and a graceful close after the
// terminal event. Spec §4.6, §6.2. Grounded on the teacher's
// internal/voice/intents.go http.Server handler shape (header setup,
// bracket-tagged logging), generalized from one-shot JSON responses to
// a long-lived streamed body.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
)

const (
	keepAliveInterval = 15 * time.Second
	closeGracePeriod  = 100 * time.Millisecond
)

// keepAliveEvery and closeAfter are overridable by tests so the
// keep-alive ticker and close grace period don't force real-time waits.
var (
	keepAliveEvery = keepAliveInterval
	closeAfter     = closeGracePeriod
)

// Stream frames discussion.Events onto w as Server-Sent-Events. Safe
// for concurrent Send/Close calls; Send is not safe to call
// concurrently with itself (events must be written in emission order,
// which the orchestrator already guarantees by calling Send serially).
type Stream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	log    zerolog.Logger
}

// NewStream sets the SSE response headers on w and returns a Stream
// ready to send events, logging through log. Fails if w does not
// support flushing.
func NewStream(w http.ResponseWriter, log zerolog.Logger) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Stream{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
		log:     log.With().Str("component", "sse").Logger(),
	}, nil
}

// Done is closed once the stream has closed, either because a
// terminal event was sent or Close was called directly.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Send frames event as `event: <type>\ndata: <json>\n\n` and flushes
// it immediately. Sends after Close are dropped silently (spec §4.6).
// Sending a terminal event schedules the stream's close after a grace
// period so the frame has time to reach the client.
func (s *Stream) Send(event discussion.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	data, err := encodePayload(event)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	_, writeErr := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data)
	if writeErr == nil {
		s.flusher.Flush()
	}
	s.mu.Unlock()

	if writeErr != nil {
		return writeErr
	}
	if event.Type.IsTerminal() {
		s.scheduleClose()
	}
	return nil
}

// KeepAlive emits a `: keep-alive` comment frame every 15s until the
// stream closes or ctx is cancelled. Run it in its own goroutine.
func (s *Stream) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.writeKeepAlive() {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) writeKeepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

func (s *Stream) scheduleClose() {
	go func() {
		time.Sleep(closeAfter)
		s.Close()
	}()
}

// Close marks the stream closed. Idempotent: a second call is a no-op.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// encodePayload builds the wire JSON for event: the type-specific
// payload fields plus the envelope discussionId/timestamp every event
// carries (spec §6.2).
func encodePayload(event discussion.Event) ([]byte, error) {
	payload, err := payloadFor(event)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	discussionID, err := json.Marshal(event.DiscussionID)
	if err != nil {
		return nil, err
	}
	timestamp, err := json.Marshal(event.TimestampMs)
	if err != nil {
		return nil, err
	}
	fields["discussionId"] = discussionID
	fields["timestamp"] = timestamp

	return json.Marshal(fields)
}

func payloadFor(event discussion.Event) (interface{}, error) {
	switch event.Type {
	case discussion.EventDiscussionStarted:
		return event.DiscussionStarted, nonNil(event.DiscussionStarted == nil, event.Type)
	case discussion.EventRoundStarted:
		return event.RoundStarted, nonNil(event.RoundStarted == nil, event.Type)
	case discussion.EventTurnStarted:
		return event.TurnStarted, nonNil(event.TurnStarted == nil, event.Type)
	case discussion.EventTurnChunk:
		return event.TurnChunk, nonNil(event.TurnChunk == nil, event.Type)
	case discussion.EventTurnCompleted:
		return event.TurnCompleted, nonNil(event.TurnCompleted == nil, event.Type)
	case discussion.EventConsensusCheckStarted:
		return event.ConsensusCheck, nonNil(event.ConsensusCheck == nil, event.Type)
	case discussion.EventConsensusVote:
		return event.ConsensusVote, nonNil(event.ConsensusVote == nil, event.Type)
	case discussion.EventConsensusResult:
		return event.ConsensusResult, nonNil(event.ConsensusResult == nil, event.Type)
	case discussion.EventRoundCompleted:
		return event.RoundCompleted, nonNil(event.RoundCompleted == nil, event.Type)
	case discussion.EventDiscussionCompleted:
		return event.DiscussionDone, nonNil(event.DiscussionDone == nil, event.Type)
	case discussion.EventDiscussionError:
		return event.DiscussionErr, nonNil(event.DiscussionErr == nil, event.Type)
	case discussion.EventDiscussionAborted:
		return event.DiscussionAbort, nonNil(event.DiscussionAbort == nil, event.Type)
	default:
		return nil, fmt.Errorf("sse: unknown event type %q", event.Type)
	}
}

func nonNil(isNil bool, eventType discussion.EventType) error {
	if isNil {
		return fmt.Errorf("sse: event %q missing its typed payload", eventType)
	}
	return nil
}

// LogDropped is called by callers that choose to log a write failure
// (e.g. client disconnect) rather than propagate it.
func (s *Stream) LogDropped(discussionID discussion.ID, err error) {
	s.log.Warn().Err(err).Str("discussion_id", string(discussionID)).Msg("dropping event")
}
