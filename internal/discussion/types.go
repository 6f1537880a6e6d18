// Package discussion holds the shared data model for the two-model
// discussion core: roles, configuration, turns, votes, transcript and
// discussion state (spec §3).
package discussion

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies one of the two fixed participants in a discussion.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

func (r Role) Valid() bool {
	return r == RoleA || r == RoleB
}

// ID is an opaque, unique-per-run discussion identifier.
type ID string

// NewID allocates a fresh discussion id.
func NewID() ID {
	return ID(uuid.NewString())
}

// Participant is one immutable side of the discussion.
type Participant struct {
	Role        Role
	ModelID     string
	ProviderID  string
	DisplayName string
}

// Options bounds the run per spec §3.
type Options struct {
	MaxIterations            int           `json:"maxIterations"`
	Temperature              float64       `json:"temperature"`
	MaxTokensPerTurn         int           `json:"maxTokensPerTurn"`
	TurnTimeout              time.Duration `json:"turnTimeout"`
	TotalTimeout             time.Duration `json:"totalTimeout"`
	RequireBothConsensus     bool          `json:"requireBothConsensus"`
	MinRoundsBeforeConsensus int           `json:"minRoundsBeforeConsensus"`
}

// DefaultOptions returns the baseline defaults used when a start request
// omits `options` (spec §6.3: "options?: partial-of-options").
func DefaultOptions() Options {
	return Options{
		MaxIterations:            5,
		Temperature:              0.7,
		MaxTokensPerTurn:         2048,
		TurnTimeout:              60 * time.Second,
		TotalTimeout:             20 * time.Minute,
		RequireBothConsensus:     true,
		MinRoundsBeforeConsensus: 1,
	}
}

// Validate checks Options bounds from spec §3 and returns the first
// violation found.
func (o Options) Validate() error {
	if o.MaxIterations < 2 || o.MaxIterations > 20 {
		return fmt.Errorf("maxIterations must be in [2,20], got %d", o.MaxIterations)
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2], got %v", o.Temperature)
	}
	if o.MaxTokensPerTurn < 256 || o.MaxTokensPerTurn > 8192 {
		return fmt.Errorf("maxTokensPerTurn must be in [256,8192], got %d", o.MaxTokensPerTurn)
	}
	if o.MinRoundsBeforeConsensus < 1 || o.MinRoundsBeforeConsensus > 5 {
		return fmt.Errorf("minRoundsBeforeConsensus must be in [1,5], got %d", o.MinRoundsBeforeConsensus)
	}
	return nil
}

const (
	MinPromptLen = 10
	MaxPromptLen = 10000
)

// Config is the frozen, validated discussion request (spec §3).
type Config struct {
	Prompt       string
	ParticipantA Participant
	ParticipantB Participant
	Options      Options
}

func (c *Config) Validate() error {
	c.Prompt = strings.TrimSpace(c.Prompt)
	if len(c.Prompt) < MinPromptLen || len(c.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt length must be in [%d,%d], got %d", MinPromptLen, MaxPromptLen, len(c.Prompt))
	}
	if c.ParticipantA.Role != RoleA || c.ParticipantB.Role != RoleB {
		return fmt.Errorf("participantA must have role A and participantB role B")
	}
	return c.Options.Validate()
}

// FinishReason normalizes a provider's completion reason (spec §4.3).
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishError         FinishReason = "error"
)

// Turn is a completed, immutable streamed model utterance.
type Turn struct {
	ID               string
	Role             Role
	RoundNumber      int
	Content          string
	StartedAt        time.Time
	DurationMs       int64
	PromptTokens     int
	CompletionTokens int
	FinishReason     FinishReason
}

// ConsensusVote is one side's structured evaluation for a round.
type ConsensusVote struct {
	Role              Role
	HasConsensus      bool
	Confidence        int
	Reasoning         string
	ProposedSolution  string // empty unless HasConsensus
	VotedAt           time.Time
}

// ConsensusResult is the combined outcome of both sides' votes for a round.
type ConsensusResult struct {
	RoundNumber   int
	VoteA         ConsensusVote
	VoteB         ConsensusVote
	IsUnanimous   bool
	FinalSolution string // set iff IsUnanimous
}

// Round is one A-turn + B-turn + consensus-vote cycle.
type Round struct {
	Number    int
	TurnA     *Turn
	TurnB     *Turn
	Consensus *ConsensusResult
}

// Message is one entry of the derived, role-tagged shared history that
// both models see as a single dialogue (spec §3 "messageHistory").
type Message struct {
	Role    Role
	Content string
}

// Transcript is the ordered sequence of rounds plus the derived message
// history. It is append-only: nothing removes or rewrites an entry once
// added.
type Transcript struct {
	Rounds         []Round
	MessageHistory []Message
}

func (t *Transcript) appendMessage(role Role, content string) {
	t.MessageHistory = append(t.MessageHistory, Message{Role: role, Content: content})
}

// AppendTurn records a completed turn's content into the message history
// under its origin role; the content itself is stored untagged.
func (t *Transcript) AppendTurn(turn Turn) {
	t.appendMessage(turn.Role, turn.Content)
}

// StartRound appends a new, empty Round and returns its index.
func (t *Transcript) StartRound(number int) int {
	t.Rounds = append(t.Rounds, Round{Number: number})
	return len(t.Rounds) - 1
}

// CurrentRoundIndex returns the index of the last round, or -1 if none.
func (t *Transcript) CurrentRoundIndex() int {
	return len(t.Rounds) - 1
}

// SetTurn records turn into Rounds[roundIndex] and folds it into the
// message history in one step.
func (t *Transcript) SetTurn(roundIndex int, turn Turn) {
	if turn.Role == RoleA {
		t.Rounds[roundIndex].TurnA = &turn
	} else {
		t.Rounds[roundIndex].TurnB = &turn
	}
	t.AppendTurn(turn)
}

// SetConsensus records result as Rounds[roundIndex]'s consensus outcome.
func (t *Transcript) SetConsensus(roundIndex int, result ConsensusResult) {
	t.Rounds[roundIndex].Consensus = &result
}

// Round returns a copy of Rounds[roundIndex].
func (t *Transcript) Round(roundIndex int) Round {
	return t.Rounds[roundIndex]
}

// Phase enumerates discussion lifecycle states (spec §4.2).
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseTurnA        Phase = "turn-A"
	PhaseTurnB        Phase = "turn-B"
	PhaseConsensusA   Phase = "consensus-A"
	PhaseConsensusB   Phase = "consensus-B"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
	PhaseAborted      Phase = "aborted"
)

// StoppingReason tags why a run terminated (spec §3).
type StoppingReason string

const (
	StoppingConsensusReached StoppingReason = "consensus_reached"
	StoppingMaxIterations    StoppingReason = "max_iterations"
	StoppingUserAbort        StoppingReason = "user_abort"
	StoppingError            StoppingReason = "error"
	StoppingTimeout          StoppingReason = "timeout"
	StoppingModelUnavailable StoppingReason = "model_unavailable"
)

// TokenTotals accumulates per-role token usage across completed turns.
type TokenTotals struct {
	ModelA int
	ModelB int
}

func (t *TokenTotals) Add(role Role, tokens int) {
	if role == RoleA {
		t.ModelA += tokens
	} else {
		t.ModelB += tokens
	}
}

func (t TokenTotals) Total() int {
	return t.ModelA + t.ModelB
}

// FinalConsensus is recorded once a round is unanimous.
type FinalConsensus struct {
	Solution            string
	AchievedAtRound     int
	ModelAContribution  string
	ModelBContribution  string
}

// State is the full, orchestrator-owned discussion record. External
// observers only ever see Events derived from it, never the struct
// itself.
type State struct {
	ID           ID
	Phase        Phase
	Config       Config
	Transcript   Transcript
	CurrentRound int

	ConsensusHistory []ConsensusResult
	FinalConsensus   *FinalConsensus
	StoppingReason   StoppingReason
	Err              error
	StartedAt        *time.Time
	CompletedAt      *time.Time
	TokenTotals      TokenTotals
}
