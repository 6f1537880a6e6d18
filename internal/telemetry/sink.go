package telemetry

import (
	"sync"

	"roundtable/internal/discussion"
	"roundtable/internal/eventbus"
)

// providerKey identifies one role's provider within one discussion, so
// Sink can recover TurnStartedPayload.ProviderID when the matching
// turn-completed event arrives (TurnPayload itself doesn't carry it).
type providerKey struct {
	discussionID discussion.ID
	role         discussion.Role
}

// Sink subscribes to the Event Bus and feeds the package-level
// Prometheus metrics. Stateless beyond the small provider lookup
// above; never blocks or errors the discussion it observes.
type Sink struct {
	mu        sync.Mutex
	providers map[providerKey]string
}

// NewSink returns a ready-to-Attach telemetry sink.
func NewSink() *Sink {
	return &Sink{providers: make(map[providerKey]string)}
}

// Attach subscribes the sink to bus and returns the unsubscribe handle.
func (s *Sink) Attach(bus *eventbus.Bus) eventbus.Unsubscribe {
	return bus.Subscribe(s.handle)
}

func (s *Sink) handle(event discussion.Event) {
	switch event.Type {
	case discussion.EventDiscussionStarted:
		DiscussionStarted()
	case discussion.EventTurnStarted:
		s.rememberProvider(event.DiscussionID, event.TurnStarted)
	case discussion.EventTurnCompleted:
		s.recordTurn(event.DiscussionID, event.TurnCompleted)
	case discussion.EventConsensusVote:
		RecordConsensusVote(event.ConsensusVote.Vote)
	case discussion.EventConsensusResult:
		RecordConsensusResult(event.ConsensusResult.Result)
	case discussion.EventDiscussionError:
		s.recordError(event.DiscussionErr)
	case discussion.EventDiscussionCompleted:
		s.recordCompletion(event.DiscussionDone)
	case discussion.EventDiscussionAborted:
		DiscussionFinished(discussion.StoppingUserAbort, 0)
	}
}

func (s *Sink) rememberProvider(id discussion.ID, payload *discussion.TurnStartedPayload) {
	if payload == nil {
		return
	}
	s.mu.Lock()
	s.providers[providerKey{id, payload.Role}] = payload.ProviderID
	s.mu.Unlock()
}

func (s *Sink) providerFor(id discussion.ID, role discussion.Role) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providers[providerKey{id, role}]
}

func (s *Sink) recordTurn(id discussion.ID, payload *discussion.TurnCompletedPayload) {
	if payload == nil {
		return
	}
	turn := payload.Turn
	provider := s.providerFor(id, turn.Role)
	RecordTurnDuration(turn.Role, provider, turn.DurationMs)
	RecordTurnTokens(turn.Role, turn.TokenUsage)
}

func (s *Sink) recordError(payload *discussion.DiscussionErrorPayload) {
	if payload == nil {
		return
	}
	RecordTurnFailure(payload.Role, payload.Code)
}

func (s *Sink) recordCompletion(payload *discussion.DiscussionCompletedPayload) {
	if payload == nil {
		return
	}
	DiscussionFinished(payload.StoppingReason, payload.DurationMs)
}
