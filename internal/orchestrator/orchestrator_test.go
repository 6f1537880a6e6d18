package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/eventbus"
	"roundtable/internal/providers"
	"roundtable/internal/rterrors"
)

func baseConfig() discussion.Config {
	return discussion.Config{
		Prompt:       "How should we cache expensive computations?",
		ParticipantA: discussion.Participant{Role: discussion.RoleA, ModelID: "model-a", ProviderID: "p-a"},
		ParticipantB: discussion.Participant{Role: discussion.RoleB, ModelID: "model-b", ProviderID: "p-b"},
		Options: discussion.Options{
			MaxIterations:            3,
			Temperature:              0.7,
			MaxTokensPerTurn:         2048,
			TurnTimeout:              time.Second,
			TotalTimeout:             5 * time.Second,
			RequireBothConsensus:     true,
			MinRoundsBeforeConsensus: 1,
		},
	}
}

func agreeResponse(confidence int, solution string) string {
	return fmt.Sprintf("[CONSENSUS_CHECK]\nHAS_CONSENSUS: YES\n[CONFIDENCE]\n%d\n[REASONING]\nthe approach is sound\n[PROPOSED_SOLUTION]\n%s", confidence, solution)
}

func disagreeResponse() string {
	return "[CONSENSUS_CHECK]\nHAS_CONSENSUS: NO\n[CONFIDENCE]\n40\n[REASONING]\nstill unresolved concerns\n[PROPOSED_SOLUTION]\nNo consensus yet."
}

func subscribeAll(bus *eventbus.Bus) *[]discussion.Event {
	events := &[]discussion.Event{}
	var mu sync.Mutex
	bus.Subscribe(func(e discussion.Event) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
	})
	return events
}

func eventTypes(events []discussion.Event) []discussion.EventType {
	out := make([]discussion.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestRun_HappyPath_ReachesConsensus(t *testing.T) {
	registry := providers.NewRegistry()
	registry.RegisterRaw(providers.NewMockProvider("p-a", "Model A's opening analysis.", agreeResponse(90, "Use a bounded LRU cache keyed on input hash.")))
	registry.RegisterRaw(providers.NewMockProvider("p-b", "Model B's critique and refinement.", agreeResponse(85, "Use a bounded LRU cache keyed on input hash.")))

	bus := eventbus.New(zerolog.Nop())
	events := subscribeAll(bus)

	orch := New(registry, bus, zerolog.Nop())
	state, err := orch.Run(context.Background(), baseConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.Phase != discussion.PhaseCompleted {
		t.Errorf("expected PhaseCompleted, got %s", state.Phase)
	}
	if state.StoppingReason != discussion.StoppingConsensusReached {
		t.Errorf("expected consensus_reached, got %s", state.StoppingReason)
	}
	if state.FinalConsensus == nil {
		t.Fatal("expected FinalConsensus to be set")
	}
	if state.FinalConsensus.Solution != "Use a bounded LRU cache keyed on input hash." {
		t.Errorf("unexpected final solution: %q", state.FinalConsensus.Solution)
	}
	if state.CurrentRound != 1 {
		t.Errorf("expected consensus on round 1, got round %d", state.CurrentRound)
	}

	last := (*events)[len(*events)-1]
	if last.Type != discussion.EventDiscussionCompleted {
		t.Errorf("expected the last event to be discussion-completed, got %s", last.Type)
	}
}

func TestRun_EventOrdering(t *testing.T) {
	registry := providers.NewRegistry()
	registry.RegisterRaw(providers.NewMockProvider("p-a", "Model A's opening analysis.", agreeResponse(90, "A bounded LRU cache.")))
	registry.RegisterRaw(providers.NewMockProvider("p-b", "Model B's critique.", agreeResponse(85, "A bounded LRU cache.")))

	bus := eventbus.New(zerolog.Nop())
	events := subscribeAll(bus)

	orch := New(registry, bus, zerolog.Nop())
	if _, err := orch.Run(context.Background(), baseConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []discussion.EventType{
		discussion.EventDiscussionStarted,
		discussion.EventRoundStarted,
		discussion.EventTurnStarted,
		discussion.EventTurnCompleted,
		discussion.EventTurnStarted,
		discussion.EventTurnCompleted,
		discussion.EventConsensusCheckStarted,
		discussion.EventConsensusVote,
		discussion.EventConsensusVote,
		discussion.EventConsensusResult,
		discussion.EventRoundCompleted,
		discussion.EventDiscussionCompleted,
	}

	got := eventTypes(withoutChunks(*events))
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func withoutChunks(events []discussion.Event) []discussion.Event {
	out := make([]discussion.Event, 0, len(events))
	for _, e := range events {
		if e.Type != discussion.EventTurnChunk {
			out = append(out, e)
		}
	}
	return out
}

func TestRun_MaxIterationsExhausted(t *testing.T) {
	registry := providers.NewRegistry()
	registry.RegisterRaw(providers.NewMockProvider("p-a", "Model A keeps proposing.", disagreeResponse()))
	registry.RegisterRaw(providers.NewMockProvider("p-b", "Model B keeps objecting.", disagreeResponse()))

	bus := eventbus.New(zerolog.Nop())
	orch := New(registry, bus, zerolog.Nop())

	cfg := baseConfig()
	cfg.Options.MaxIterations = 2

	state, err := orch.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.StoppingReason != discussion.StoppingMaxIterations {
		t.Errorf("expected max_iterations, got %s", state.StoppingReason)
	}
	if state.CurrentRound != cfg.Options.MaxIterations {
		t.Errorf("expected %d rounds run, got %d", cfg.Options.MaxIterations, state.CurrentRound)
	}
	if state.FinalConsensus != nil {
		t.Error("expected no final consensus when max iterations is exhausted")
	}
}

func TestRun_ProviderInitializationFails(t *testing.T) {
	registry := providers.NewRegistry()
	bad := providers.NewMockProvider("p-a", "unused")
	bad.InitErr = errors.New("missing API key")
	registry.RegisterRaw(bad)
	registry.RegisterRaw(providers.NewMockProvider("p-b", "unused"))

	bus := eventbus.New(zerolog.Nop())
	events := subscribeAll(bus)

	orch := New(registry, bus, zerolog.Nop())
	state, err := orch.Run(context.Background(), baseConfig())
	if err == nil {
		t.Fatal("expected an error")
	}
	if state.StoppingReason != discussion.StoppingModelUnavailable {
		t.Errorf("expected model_unavailable, got %s", state.StoppingReason)
	}
	var rtErr *rterrors.Error
	if !errors.As(err, &rtErr) || rtErr.Code != rterrors.CodeInitializationFailed {
		t.Errorf("expected INITIALIZATION_FAILED, got %v", err)
	}

	last := (*events)[len(*events)-1]
	if last.Type != discussion.EventDiscussionError {
		t.Errorf("expected discussion-error as the last event, got %s", last.Type)
	}
}

func TestRun_AbortMidDiscussion(t *testing.T) {
	registry := providers.NewRegistry()
	slowA := providers.NewMockProvider("p-a", "slow")
	slowA.Delay = 200 * time.Millisecond
	registry.RegisterRaw(slowA)
	registry.RegisterRaw(providers.NewMockProvider("p-b", "unused"))

	bus := eventbus.New(zerolog.Nop())
	events := subscribeAll(bus)

	cfg := baseConfig()
	cfg.Options.TotalTimeout = time.Minute

	orch := New(registry, bus, zerolog.Nop())

	var state *discussion.State
	var runErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		state, runErr = orch.Run(context.Background(), cfg)
	}()

	time.Sleep(20 * time.Millisecond)
	orch.Abort()
	wg.Wait()

	if !errors.Is(runErr, rterrors.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", runErr)
	}
	if state.Phase != discussion.PhaseAborted {
		t.Errorf("expected PhaseAborted, got %s", state.Phase)
	}
	if state.StoppingReason != discussion.StoppingUserAbort {
		t.Errorf("expected user_abort, got %s", state.StoppingReason)
	}

	last := (*events)[len(*events)-1]
	if last.Type != discussion.EventDiscussionAborted {
		t.Errorf("expected discussion-aborted as the last event, got %s", last.Type)
	}
	if last.DiscussionAbort.Reason != "user_abort" {
		t.Errorf("expected reason user_abort, got %q", last.DiscussionAbort.Reason)
	}
}

func TestRun_TotalTimeoutExceeded(t *testing.T) {
	registry := providers.NewRegistry()
	slowA := providers.NewMockProvider("p-a", "slow")
	slowA.Delay = 100 * time.Millisecond
	registry.RegisterRaw(slowA)
	registry.RegisterRaw(providers.NewMockProvider("p-b", "unused"))

	bus := eventbus.New(zerolog.Nop())
	events := subscribeAll(bus)

	cfg := baseConfig()
	cfg.Options.TotalTimeout = 10 * time.Millisecond
	cfg.Options.TurnTimeout = time.Second

	orch := New(registry, bus, zerolog.Nop())
	state, err := orch.Run(context.Background(), cfg)

	var rtErr *rterrors.Error
	if !errors.As(err, &rtErr) || rtErr.Code != rterrors.CodeDiscussionTimeout {
		t.Errorf("expected DISCUSSION_TIMEOUT, got %v", err)
	}
	if state.StoppingReason != discussion.StoppingTimeout {
		t.Errorf("expected timeout, got %s", state.StoppingReason)
	}

	last := (*events)[len(*events)-1]
	if last.Type != discussion.EventDiscussionError {
		t.Errorf("expected discussion-error as the last event, got %s", last.Type)
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	registry := providers.NewRegistry()
	slowA := providers.NewMockProvider("p-a", "slow")
	slowA.Delay = 100 * time.Millisecond
	registry.RegisterRaw(slowA)
	registry.RegisterRaw(providers.NewMockProvider("p-b", "unused"))

	bus := eventbus.New(zerolog.Nop())
	cfg := baseConfig()
	cfg.Options.TotalTimeout = time.Minute

	orch := New(registry, bus, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(context.Background(), cfg)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := orch.Run(context.Background(), cfg)
	if !errors.Is(err, rterrors.ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}

	orch.Abort()
	wg.Wait()
}

func TestRun_MinRoundsGateSkipsConsensusCalls(t *testing.T) {
	registry := providers.NewRegistry()
	registry.RegisterRaw(providers.NewMockProvider("p-a", "Round 1 from A.", "Round 2 from A.", agreeResponse(80, "Agreed plan for caching.")))
	registry.RegisterRaw(providers.NewMockProvider("p-b", "Round 1 from B.", "Round 2 from B.", agreeResponse(75, "Agreed plan for caching.")))

	bus := eventbus.New(zerolog.Nop())
	events := subscribeAll(bus)

	cfg := baseConfig()
	cfg.Options.MinRoundsBeforeConsensus = 2
	cfg.Options.MaxIterations = 3

	orch := New(registry, bus, zerolog.Nop())
	state, err := orch.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CurrentRound != 2 {
		t.Errorf("expected consensus on round 2, got round %d", state.CurrentRound)
	}

	var round1Votes int
	for _, e := range *events {
		if e.Type == discussion.EventConsensusVote && e.ConsensusVote.Vote.Reasoning == "Minimum rounds not yet completed" {
			round1Votes++
		}
	}
	if round1Votes != 2 {
		t.Errorf("expected 2 synthesized skip votes for round 1, got %d", round1Votes)
	}
}
