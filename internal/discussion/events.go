package discussion

// EventType is the kebab-case wire name from spec §6.2.
type EventType string

const (
	EventDiscussionStarted     EventType = "discussion-started"
	EventRoundStarted          EventType = "round-started"
	EventTurnStarted           EventType = "turn-started"
	EventTurnChunk             EventType = "turn-chunk"
	EventTurnCompleted         EventType = "turn-completed"
	EventConsensusCheckStarted EventType = "consensus-check-started"
	EventConsensusVote         EventType = "consensus-vote"
	EventConsensusResult       EventType = "consensus-result"
	EventRoundCompleted        EventType = "round-completed"
	EventDiscussionCompleted   EventType = "discussion-completed"
	EventDiscussionError       EventType = "discussion-error"
	EventDiscussionAborted     EventType = "discussion-aborted"
)

// IsTerminal reports whether this event type ends the stream (spec §8
// property 2: "every run emits exactly one terminal event").
func (t EventType) IsTerminal() bool {
	switch t {
	case EventDiscussionCompleted, EventDiscussionError, EventDiscussionAborted:
		return true
	default:
		return false
	}
}

// Event is the tagged union pushed onto the Event Bus and framed by the
// SSE emitter. Every event carries DiscussionID and a monotonic
// TimestampMs; exactly one of the typed payload fields is non-nil,
// selected by Type.
type Event struct {
	Type         EventType
	DiscussionID ID
	TimestampMs  int64

	DiscussionStarted *DiscussionStartedPayload `json:",omitempty"`
	RoundStarted      *RoundStartedPayload      `json:",omitempty"`
	TurnStarted       *TurnStartedPayload       `json:",omitempty"`
	TurnChunk         *TurnChunkPayload         `json:",omitempty"`
	TurnCompleted     *TurnCompletedPayload     `json:",omitempty"`
	ConsensusCheck    *ConsensusCheckPayload    `json:",omitempty"`
	ConsensusVote     *ConsensusVotePayload     `json:",omitempty"`
	ConsensusResult   *ConsensusResultPayload   `json:",omitempty"`
	RoundCompleted    *RoundCompletedPayload    `json:",omitempty"`
	DiscussionDone    *DiscussionCompletedPayload `json:",omitempty"`
	DiscussionErr     *DiscussionErrorPayload   `json:",omitempty"`
	DiscussionAbort   *DiscussionAbortedPayload `json:",omitempty"`
}

type ModelRef struct {
	ModelID     string `json:"modelId"`
	ProviderID  string `json:"providerId"`
	DisplayName string `json:"displayName"`
}

type ConfigSnapshot struct {
	Prompt  string   `json:"prompt"`
	ModelA  ModelRef `json:"modelA"`
	ModelB  ModelRef `json:"modelB"`
	Options Options  `json:"options"`
}

type DiscussionStartedPayload struct {
	Config ConfigSnapshot `json:"config"`
}

type RoundStartedPayload struct {
	RoundNumber int `json:"roundNumber"`
}

type TurnStartedPayload struct {
	Role        Role   `json:"role"`
	ModelID     string `json:"modelId"`
	ProviderID  string `json:"providerId"`
	RoundNumber int    `json:"roundNumber"`
}

type TurnChunkPayload struct {
	Role  Role   `json:"role"`
	Chunk string `json:"chunk"`
}

type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type TurnPayload struct {
	ID           string       `json:"id"`
	Role         Role         `json:"role"`
	RoundNumber  int          `json:"roundNumber"`
	Content      string       `json:"content"`
	DurationMs   int64        `json:"durationMs"`
	TokenUsage   TokenUsage   `json:"tokenUsage"`
	FinishReason FinishReason `json:"finishReason"`
}

type TurnCompletedPayload struct {
	Turn TurnPayload `json:"turn"`
}

type ConsensusCheckPayload struct {
	RoundNumber int `json:"roundNumber"`
}

type ConsensusVotePayload struct {
	Vote ConsensusVote `json:"vote"`
}

type ConsensusResultPayload struct {
	Result ConsensusResult `json:"result"`
}

type RoundCompletedPayload struct {
	Number         int          `json:"number"`
	ModelATurn     TurnPayload  `json:"modelATurn"`
	ModelBTurn     TurnPayload  `json:"modelBTurn"`
	ConsensusCheck *ConsensusResult `json:"consensusCheck,omitempty"`
}

type DiscussionCompletedPayload struct {
	StoppingReason   StoppingReason  `json:"stoppingReason"`
	FinalConsensus   *FinalConsensus `json:"finalConsensus,omitempty"`
	TotalTokensUsed  TokenTotals     `json:"totalTokensUsed"`
	DurationMs       int64           `json:"durationMs"`
}

type DiscussionErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Role        Role   `json:"role,omitempty"`
	RoundNumber int    `json:"roundNumber,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

type DiscussionAbortedPayload struct {
	Reason string `json:"reason"`
}
