package consensusdetector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/providers"
)

func baseConfig() discussion.Config {
	return discussion.Config{
		Prompt:       "how should we design this API?",
		ParticipantA: discussion.Participant{Role: discussion.RoleA, ModelID: "m-a", ProviderID: "p-a"},
		ParticipantB: discussion.Participant{Role: discussion.RoleB, ModelID: "m-b", ProviderID: "p-b"},
		Options: discussion.Options{
			MaxIterations:            5,
			Temperature:              0.7,
			MaxTokensPerTurn:         2048,
			TurnTimeout:              time.Second,
			TotalTimeout:             time.Minute,
			RequireBothConsensus:     true,
			MinRoundsBeforeConsensus: 2,
		},
	}
}

func agreeResponse(confidence int, solution string) string {
	return "[CONSENSUS_CHECK]\nHAS_CONSENSUS: YES\n[CONFIDENCE] " + itoa(confidence) +
		"\n[REASONING] both sides align\n[PROPOSED_SOLUTION] " + solution
}

func disagreeResponse() string {
	return "[CONSENSUS_CHECK]\nHAS_CONSENSUS: NO\n[CONFIDENCE] 40\n[REASONING] still diverging"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		digits = "-" + digits
	}
	return digits
}

func TestRun_BelowMinRounds_SkipsWithoutProviderCalls(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", "should never be called")
	providerB := providers.NewMockProvider("p-b", "should never be called")
	cfg := baseConfig()

	var votes []discussion.ConsensusVote
	result, err := Run(context.Background(), providerA, providerB, Request{
		Config:      cfg,
		RoundNumber: 1,
		OnVote:      func(v discussion.ConsensusVote) { votes = append(votes, v) },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsUnanimous {
		t.Error("expected no consensus below the minimum-rounds gate")
	}
	if result.VoteA.Reasoning != skippedReasoning || result.VoteB.Reasoning != skippedReasoning {
		t.Errorf("expected skipped-round reasoning, got %+v / %+v", result.VoteA, result.VoteB)
	}
	if len(votes) != 2 {
		t.Errorf("expected 2 synthesized votes emitted, got %d", len(votes))
	}
}

// capturingProvider records the full flattened message text it was asked
// to stream, so a test can assert B never sees A's vote in its prompt.
type capturingProvider struct {
	id        string
	response  string
	lastInput string
}

func (c *capturingProvider) ID() string                          { return c.id }
func (c *capturingProvider) Initialize(ctx context.Context) error { return nil }
func (c *capturingProvider) StreamText(ctx context.Context, req providers.StreamRequest) (<-chan providers.Chunk, <-chan providers.StreamResult, <-chan error) {
	var sb strings.Builder
	sb.WriteString(req.SystemPrompt)
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
	}
	c.lastInput = sb.String()

	chunkOut := make(chan providers.Chunk, 1)
	resultOut := make(chan providers.StreamResult, 1)
	errOut := make(chan error, 1)
	chunkOut <- providers.Chunk{Text: c.response}
	resultOut <- providers.StreamResult{Text: c.response, FinishReason: providers.FinishStop}
	close(chunkOut)
	close(resultOut)
	close(errOut)
	return chunkOut, resultOut, errOut
}

func TestRun_SequentialOrdering_BNeverSeesAsVote(t *testing.T) {
	providerA := &capturingProvider{id: "p-a", response: agreeResponse(80, "use REST with pagination")}
	providerB := &capturingProvider{id: "p-b", response: agreeResponse(90, "use REST with pagination")}
	cfg := baseConfig()

	result, err := Run(context.Background(), providerA, providerB, Request{
		Config:      cfg,
		RoundNumber: 2,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsUnanimous {
		t.Fatal("expected unanimous consensus")
	}
	if strings.Contains(providerB.lastInput, "[CONSENSUS_CHECK]") && strings.Contains(providerB.lastInput, "HAS_CONSENSUS: YES\n[CONFIDENCE] 80") {
		t.Error("B's prompt should not contain A's rendered vote")
	}
}

func TestRun_RequireBothConsensus_OneDisagrees(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", agreeResponse(80, "solution A"))
	providerB := providers.NewMockProvider("p-b", disagreeResponse())
	cfg := baseConfig()
	cfg.Options.RequireBothConsensus = true

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsUnanimous {
		t.Error("expected no consensus when requireBothConsensus and B disagrees")
	}
}

func TestRun_EitherConsensus_OneAgreesSuffices(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", agreeResponse(80, "solution A"))
	providerB := providers.NewMockProvider("p-b", disagreeResponse())
	cfg := baseConfig()
	cfg.Options.RequireBothConsensus = false

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsUnanimous {
		t.Error("expected consensus when requireBothConsensus is false and A agrees")
	}
	if result.FinalSolution != "solution A" {
		t.Errorf("expected A's solution selected, got %q", result.FinalSolution)
	}
}

func TestRun_FinalSolution_BothProposed_HigherConfidenceWins(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", agreeResponse(60, "solution A"))
	providerB := providers.NewMockProvider("p-b", agreeResponse(90, "solution B"))
	cfg := baseConfig()

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalSolution != "solution B" {
		t.Errorf("expected higher-confidence B solution, got %q", result.FinalSolution)
	}
}

func TestRun_FinalSolution_TieGoesToA(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", agreeResponse(75, "solution A"))
	providerB := providers.NewMockProvider("p-b", agreeResponse(75, "solution B"))
	cfg := baseConfig()

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalSolution != "solution A" {
		t.Errorf("expected tie to favor A, got %q", result.FinalSolution)
	}
}

func TestRun_FinalSolution_NeitherProposed_Placeholder(t *testing.T) {
	bare := "[CONSENSUS_CHECK]\nHAS_CONSENSUS: YES\n[CONFIDENCE] 70\n[REASONING] we agree broadly"
	providerA := providers.NewMockProvider("p-a", bare)
	providerB := providers.NewMockProvider("p-b", bare)
	cfg := baseConfig()

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalSolution != "Consensus reached but solution text not extracted." {
		t.Errorf("expected placeholder solution text, got %q", result.FinalSolution)
	}
}

// An empty response is the one input protocol.ParseConsensusResponse
// actually rejects (its natural-language fallback otherwise accepts any
// non-blank text), so empty strings are used below to drive the
// reformat-retry path deterministically.

func TestRun_RetriesOnParseFailureThenRecovers(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", "", agreeResponse(80, "solution A"))
	providerB := providers.NewMockProvider("p-b", agreeResponse(85, "solution A"))
	cfg := baseConfig()

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.VoteA.HasConsensus {
		t.Error("expected recovered vote to register consensus")
	}
}

func TestRun_ExhaustsRetries_FabricatesNoVote(t *testing.T) {
	providerA := providers.NewMockProvider("p-a", "")
	providerB := providers.NewMockProvider("p-b", agreeResponse(80, "solution B"))
	cfg := baseConfig()

	result, err := Run(context.Background(), providerA, providerB, Request{Config: cfg, RoundNumber: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.VoteA.HasConsensus {
		t.Error("expected fabricated no-consensus vote after exhausting retries")
	}
	if !strings.HasPrefix(result.VoteA.Reasoning, "Failed to obtain valid consensus response:") {
		t.Errorf("unexpected fabricated vote reasoning: %q", result.VoteA.Reasoning)
	}
}
