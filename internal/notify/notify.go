// Package notify is an optional fire-and-forget webhook sink subscribed
// to the Event Bus: it POSTs a subset of lifecycle events to an
// external endpoint. Disabled (a no-op) when no endpoint is
// configured, so it never gates a discussion run. Grounded on the
// teacher's internal/hermes client, generalized from a fixed
// map[string]string payload and a hardcoded localhost daemon address
// to an Event-Bus subscriber carrying the discussion core's own event
// shape to a configurable endpoint.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/eventbus"
)

// webhookPayload is the wire body POSTed to the configured endpoint.
type webhookPayload struct {
	Type         discussion.EventType `json:"type"`
	Source       string               `json:"source"`
	DiscussionID discussion.ID        `json:"discussionId"`
	Timestamp    int64                `json:"timestamp"`
	Event        discussion.Event     `json:"event"`
}

// Sink posts discussion-started, discussion-completed, and
// discussion-error events to endpoint. The zero value is disabled.
type Sink struct {
	endpoint   string
	httpClient *http.Client
	enabled    bool
	log        zerolog.Logger
}

// NewSink returns a Sink posting to endpoint and logging through log. An
// empty endpoint yields a disabled sink whose Attach is a no-op
// subscriber.
func NewSink(endpoint string, log zerolog.Logger) *Sink {
	return &Sink{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		enabled: endpoint != "",
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Attach subscribes the sink to bus and returns the resulting
// unsubscribe handle.
func (s *Sink) Attach(bus *eventbus.Bus) eventbus.Unsubscribe {
	return bus.Subscribe(s.handle)
}

func (s *Sink) handle(event discussion.Event) {
	switch event.Type {
	case discussion.EventDiscussionStarted, discussion.EventDiscussionCompleted, discussion.EventDiscussionError:
		s.emit(event)
	}
}

// emit sends event asynchronously; failures are logged, never
// propagated, matching the teacher's fire-and-forget contract.
func (s *Sink) emit(event discussion.Event) {
	if !s.enabled {
		return
	}
	go s.send(webhookPayload{
		Type:         event.Type,
		Source:       "roundtable",
		DiscussionID: event.DiscussionID,
		Timestamp:    event.TimestampMs,
		Event:        event,
	})
}

func (s *Sink) send(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	resp, err := s.httpClient.Post(s.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		// Connection failures are expected when no collector is
		// listening; silently ignore.
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.log.Warn().Int("status", resp.StatusCode).Msg("event rejected")
	}
}
