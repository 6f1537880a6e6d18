// Package orchestrator drives one discussion's round loop end to end:
// state-machine transitions, Turn Executor and Consensus Detector
// calls, transcript bookkeeping, and event-bus publication. Spec §4.5.
// Grounded on the teacher's Orchestrator (registry-driven dispatch,
// timeout-scoped provider calls) generalized from an N-way parallel
// broadcast (ParallelSeed/sendWithTimeout) to the spec's sequential
// two-role round loop with consensus voting and a formal phase graph.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/consensusdetector"
	"roundtable/internal/discussion"
	"roundtable/internal/eventbus"
	"roundtable/internal/protocol"
	"roundtable/internal/providers"
	"roundtable/internal/rterrors"
	"roundtable/internal/statemachine"
	"roundtable/internal/turnexecutor"
)

// Orchestrator drives exactly one discussion at a time; see spec §5
// "Scheduling model". Concurrent discussions each get their own
// Orchestrator instance sharing only the provider registry.
type Orchestrator struct {
	registry *providers.Registry
	bus      *eventbus.Bus

	mu      sync.Mutex
	active  bool
	aborted bool
	abort   context.CancelFunc

	log zerolog.Logger
}

// New returns an Orchestrator publishing events onto bus, resolving
// providers from registry, and logging through log.
func New(registry *providers.Registry, bus *eventbus.Bus, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		bus:      bus,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Abort trips this run's cancellation source. Idempotent; a no-op if no
// run is currently active (spec §4.5 "Abort").
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || o.abort == nil {
		return
	}
	o.aborted = true
	o.abort()
}

// Run executes the full lifecycle of spec §4.5 for cfg and returns the
// terminal discussion.State. It blocks until the discussion reaches a
// terminal phase; callers that want to observe progress subscribe to
// the Bus before calling Run.
func (o *Orchestrator) Run(ctx context.Context, cfg discussion.Config) (*discussion.State, error) {
	if err := o.beginRun(); err != nil {
		return nil, err
	}
	defer o.endRun()

	abortCtx, cancelAbort := context.WithCancel(ctx)
	o.mu.Lock()
	o.abort = cancelAbort
	o.mu.Unlock()
	defer cancelAbort()

	runCtx, cancelTimeout := context.WithTimeout(abortCtx, cfg.Options.TotalTimeout)
	defer cancelTimeout()

	state := &discussion.State{ID: discussion.NewID(), Phase: discussion.PhaseIdle, Config: cfg}
	startedAt := time.Now()
	state.StartedAt = &startedAt
	machine := statemachine.New()

	o.log.Info().Str("discussion_id", string(state.ID)).Msg("starting discussion")

	if err := o.initialize(runCtx, machine, state, cfg); err != nil {
		return state, err
	}

	for state.CurrentRound < cfg.Options.MaxIterations {
		unanimous, err := o.runRound(runCtx, machine, state)
		if err != nil {
			return o.fail(machine, state, runCtx, ctx, err)
		}
		if unanimous {
			break
		}
	}

	if state.StoppingReason == "" {
		state.StoppingReason = discussion.StoppingMaxIterations
	}
	return o.complete(state), nil
}

func (o *Orchestrator) beginRun() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active {
		return rterrors.Wrap(rterrors.CodeStateInvalid, "a discussion is already active on this orchestrator", rterrors.ErrAlreadyActive)
	}
	o.active = true
	o.aborted = false
	return nil
}

func (o *Orchestrator) endRun() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = false
	o.abort = nil
}

// initialize performs lifecycle step 4: transition to initializing,
// ensure both providers are usable, emit discussion-started. Run has
// already allocated the state and armed the timers before calling it.
func (o *Orchestrator) initialize(ctx context.Context, machine *statemachine.Machine, state *discussion.State, cfg discussion.Config) error {
	if err := machine.Transition(discussion.PhaseInitializing); err != nil {
		return err
	}
	state.Phase = machine.Phase()

	providerA := o.registry.Get(cfg.ParticipantA.ProviderID)
	providerB := o.registry.Get(cfg.ParticipantB.ProviderID)
	if providerA == nil || providerB == nil {
		return o.modelUnavailable(machine, state, "configured provider is not registered")
	}
	if err := providerA.Initialize(ctx); err != nil {
		return o.modelUnavailable(machine, state, "provider A failed to initialize: "+err.Error())
	}
	if err := providerB.Initialize(ctx); err != nil {
		return o.modelUnavailable(machine, state, "provider B failed to initialize: "+err.Error())
	}

	o.emit(state, discussion.EventDiscussionStarted, &discussion.DiscussionStartedPayload{Config: configSnapshot(cfg)})
	return nil
}

func (o *Orchestrator) modelUnavailable(machine *statemachine.Machine, state *discussion.State, message string) error {
	err := rterrors.New(rterrors.CodeInitializationFailed, message)
	o.log.Error().Str("discussion_id", string(state.ID)).Msg(message)
	_ = machine.Transition(discussion.PhaseError)
	state.Phase = discussion.PhaseError
	state.StoppingReason = discussion.StoppingModelUnavailable
	state.Err = err
	o.finish(state)
	o.emit(state, discussion.EventDiscussionError, &discussion.DiscussionErrorPayload{
		Code:        string(err.Code),
		Message:     err.Message,
		Recoverable: err.Recoverable(),
	})
	return err
}

// runRound executes one full round loop iteration (spec §4.5 step 5
// a-d) and reports whether the round reached unanimous consensus.
func (o *Orchestrator) runRound(ctx context.Context, machine *statemachine.Machine, state *discussion.State) (bool, error) {
	state.CurrentRound++
	roundIdx := state.Transcript.StartRound(state.CurrentRound)
	o.emit(state, discussion.EventRoundStarted, &discussion.RoundStartedPayload{RoundNumber: state.CurrentRound})

	providerA := o.registry.Get(state.Config.ParticipantA.ProviderID)
	providerB := o.registry.Get(state.Config.ParticipantB.ProviderID)

	if err := o.runTurn(ctx, machine, state, roundIdx, discussion.PhaseTurnA, providerA, state.Config.ParticipantA); err != nil {
		return false, err
	}
	if err := o.runTurn(ctx, machine, state, roundIdx, discussion.PhaseTurnB, providerB, state.Config.ParticipantB); err != nil {
		return false, err
	}

	if err := machine.Transition(discussion.PhaseConsensusA); err != nil {
		return false, err
	}
	state.Phase = discussion.PhaseConsensusA
	o.emit(state, discussion.EventConsensusCheckStarted, &discussion.ConsensusCheckPayload{RoundNumber: state.CurrentRound})

	result, err := consensusdetector.Run(ctx, providerA, providerB, consensusdetector.Request{
		Config:      state.Config,
		RoundNumber: state.CurrentRound,
		History:     state.Transcript.MessageHistory,
		OnVote: func(vote discussion.ConsensusVote) {
			o.emit(state, discussion.EventConsensusVote, &discussion.ConsensusVotePayload{Vote: vote})
		},
	}, o.log)
	if err != nil {
		return false, err
	}

	if err := machine.Transition(discussion.PhaseConsensusB); err != nil {
		return false, err
	}
	state.Phase = discussion.PhaseConsensusB
	o.emit(state, discussion.EventConsensusResult, &discussion.ConsensusResultPayload{Result: result})

	state.ConsensusHistory = append(state.ConsensusHistory, result)
	state.Transcript.SetConsensus(roundIdx, result)

	nextPhase := discussion.PhaseTurnA
	if result.IsUnanimous {
		nextPhase = discussion.PhaseCompleted
	}
	if err := machine.Transition(nextPhase); err != nil {
		return false, err
	}
	state.Phase = nextPhase

	round := state.Transcript.Round(roundIdx)
	o.emit(state, discussion.EventRoundCompleted, &discussion.RoundCompletedPayload{
		Number:         state.CurrentRound,
		ModelATurn:     turnPayload(*round.TurnA),
		ModelBTurn:     turnPayload(*round.TurnB),
		ConsensusCheck: &result,
	})

	if !result.IsUnanimous {
		return false, nil
	}

	state.StoppingReason = discussion.StoppingConsensusReached
	state.FinalConsensus = &discussion.FinalConsensus{
		Solution:           result.FinalSolution,
		AchievedAtRound:    state.CurrentRound,
		ModelAContribution: round.TurnA.Content,
		ModelBContribution: round.TurnB.Content,
	}
	return true, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, machine *statemachine.Machine, state *discussion.State, roundIdx int, phase discussion.Phase, provider providers.ModelProvider, participant discussion.Participant) error {
	if err := machine.Transition(phase); err != nil {
		return err
	}
	state.Phase = phase

	o.emit(state, discussion.EventTurnStarted, &discussion.TurnStartedPayload{
		Role:        participant.Role,
		ModelID:     participant.ModelID,
		ProviderID:  participant.ProviderID,
		RoundNumber: state.CurrentRound,
	})

	systemPrompt, messages := protocol.BuildTurnMessages(participant.Role, state.Config, state.CurrentRound, state.Transcript.MessageHistory)
	result, err := turnexecutor.Execute(ctx, provider, turnexecutor.Request{
		Role:         participant.Role,
		Participant:  participant,
		RoundNumber:  state.CurrentRound,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Options:      state.Config.Options,
		OnChunk: func(role discussion.Role, chunk string) {
			o.emit(state, discussion.EventTurnChunk, &discussion.TurnChunkPayload{Role: role, Chunk: chunk})
		},
	}, o.log)
	if err != nil {
		return err
	}

	state.Transcript.SetTurn(roundIdx, result.Turn)
	state.TokenTotals.Add(participant.Role, result.Turn.PromptTokens+result.Turn.CompletionTokens)
	o.emit(state, discussion.EventTurnCompleted, &discussion.TurnCompletedPayload{Turn: turnPayload(result.Turn)})
	return nil
}

// fail routes a round-loop error to one of the three terminal outcomes
// spec §4.5 distinguishes: caller/client abort, total-discussion
// timeout, or an ordinary discussion-ending failure.
func (o *Orchestrator) fail(machine *statemachine.Machine, state *discussion.State, runCtx, callerCtx context.Context, err error) (*discussion.State, error) {
	if errors.Is(err, rterrors.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return o.timeout(machine, state)
		}
		return o.abortTerminal(machine, state, callerCtx)
	}
	return o.genericFailure(machine, state, err)
}

func (o *Orchestrator) timeout(machine *statemachine.Machine, state *discussion.State) (*discussion.State, error) {
	err := rterrors.New(rterrors.CodeDiscussionTimeout, "discussion exceeded its total timeout")
	o.log.Warn().Str("discussion_id", string(state.ID)).Int("round", state.CurrentRound).Msg("discussion timed out")
	_ = machine.Transition(discussion.PhaseError)
	state.Phase = discussion.PhaseError
	state.StoppingReason = discussion.StoppingTimeout
	state.Err = err
	o.finish(state)
	o.emit(state, discussion.EventDiscussionError, &discussion.DiscussionErrorPayload{
		Code:        string(err.Code),
		Message:     err.Message,
		RoundNumber: state.CurrentRound,
		Recoverable: false,
	})
	return state, err
}

func (o *Orchestrator) abortTerminal(machine *statemachine.Machine, state *discussion.State, callerCtx context.Context) (*discussion.State, error) {
	o.log.Warn().Str("discussion_id", string(state.ID)).Int("round", state.CurrentRound).Msg("discussion aborted")
	_ = machine.Transition(discussion.PhaseAborted)
	state.Phase = discussion.PhaseAborted
	state.StoppingReason = discussion.StoppingUserAbort
	o.finish(state)

	reason := "user_abort"
	o.mu.Lock()
	explicit := o.aborted
	o.mu.Unlock()
	if !explicit && callerCtx.Err() != nil {
		reason = "client_disconnected"
	}
	o.emit(state, discussion.EventDiscussionAborted, &discussion.DiscussionAbortedPayload{Reason: reason})
	return state, rterrors.ErrCancelled
}

func (o *Orchestrator) genericFailure(machine *statemachine.Machine, state *discussion.State, cause error) (*discussion.State, error) {
	var rtErr *rterrors.Error
	code := rterrors.CodeUnknown
	message := cause.Error()
	var role discussion.Role
	round := state.CurrentRound
	recoverable := false
	if errors.As(cause, &rtErr) {
		code = rtErr.Code
		message = rtErr.Message
		role = discussion.Role(rtErr.Role)
		if rtErr.Round != 0 {
			round = rtErr.Round
		}
		recoverable = rtErr.Recoverable()
	}

	o.log.Error().Str("discussion_id", string(state.ID)).Int("round", round).Str("code", string(code)).Err(cause).Msg("discussion failed")
	_ = machine.Transition(discussion.PhaseError)
	state.Phase = discussion.PhaseError
	state.StoppingReason = discussion.StoppingError
	state.Err = cause
	o.finish(state)
	o.emit(state, discussion.EventDiscussionError, &discussion.DiscussionErrorPayload{
		Code:        string(code),
		Message:     message,
		Role:        role,
		RoundNumber: round,
		Recoverable: recoverable,
	})
	return state, cause
}

func (o *Orchestrator) complete(state *discussion.State) *discussion.State {
	o.log.Info().Str("discussion_id", string(state.ID)).Str("stopping_reason", string(state.StoppingReason)).Int("rounds", state.CurrentRound).Msg("discussion completed")
	o.finish(state)
	o.emit(state, discussion.EventDiscussionCompleted, &discussion.DiscussionCompletedPayload{
		StoppingReason:  state.StoppingReason,
		FinalConsensus:  state.FinalConsensus,
		TotalTokensUsed: state.TokenTotals,
		DurationMs:      completedDurationMs(state),
	})
	return state
}

func (o *Orchestrator) finish(state *discussion.State) {
	if state.CompletedAt != nil {
		return
	}
	now := time.Now()
	state.CompletedAt = &now
}

func completedDurationMs(state *discussion.State) int64 {
	if state.StartedAt == nil || state.CompletedAt == nil {
		return 0
	}
	return state.CompletedAt.Sub(*state.StartedAt).Milliseconds()
}

// emit stamps event with this discussion's id and the current time and
// publishes it on the bus. payload must be one of the discussion.Event
// struct's typed payload pointer fields.
func (o *Orchestrator) emit(state *discussion.State, eventType discussion.EventType, payload interface{}) {
	event := discussion.Event{
		Type:         eventType,
		DiscussionID: state.ID,
		TimestampMs:  time.Now().UnixMilli(),
	}
	switch p := payload.(type) {
	case *discussion.DiscussionStartedPayload:
		event.DiscussionStarted = p
	case *discussion.RoundStartedPayload:
		event.RoundStarted = p
	case *discussion.TurnStartedPayload:
		event.TurnStarted = p
	case *discussion.TurnChunkPayload:
		event.TurnChunk = p
	case *discussion.TurnCompletedPayload:
		event.TurnCompleted = p
	case *discussion.ConsensusCheckPayload:
		event.ConsensusCheck = p
	case *discussion.ConsensusVotePayload:
		event.ConsensusVote = p
	case *discussion.ConsensusResultPayload:
		event.ConsensusResult = p
	case *discussion.RoundCompletedPayload:
		event.RoundCompleted = p
	case *discussion.DiscussionCompletedPayload:
		event.DiscussionDone = p
	case *discussion.DiscussionErrorPayload:
		event.DiscussionErr = p
	case *discussion.DiscussionAbortedPayload:
		event.DiscussionAbort = p
	}
	o.bus.Publish(event)
}

func configSnapshot(cfg discussion.Config) discussion.ConfigSnapshot {
	return discussion.ConfigSnapshot{
		Prompt:  cfg.Prompt,
		ModelA:  discussion.ModelRef{ModelID: cfg.ParticipantA.ModelID, ProviderID: cfg.ParticipantA.ProviderID, DisplayName: cfg.ParticipantA.DisplayName},
		ModelB:  discussion.ModelRef{ModelID: cfg.ParticipantB.ModelID, ProviderID: cfg.ParticipantB.ProviderID, DisplayName: cfg.ParticipantB.DisplayName},
		Options: cfg.Options,
	}
}

func turnPayload(t discussion.Turn) discussion.TurnPayload {
	return discussion.TurnPayload{
		ID:          t.ID,
		Role:        t.Role,
		RoundNumber: t.RoundNumber,
		Content:     t.Content,
		DurationMs:  t.DurationMs,
		TokenUsage: discussion.TokenUsage{
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
		},
		FinishReason: t.FinishReason,
	}
}
