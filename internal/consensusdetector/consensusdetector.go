// Package consensusdetector coordinates both sides' consensus votes for
// a round, enforces the minimum-rounds gate, applies the unanimity
// policy, and selects the final solution text. Spec §4.4. Grounded on
// the teacher's internal/consensus package (AnalyzeConsensus/
// CheckConsensus majority-of-N voting), generalized here from an N-way
// majority to the spec's strict two-sided unanimity.
package consensusdetector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/protocol"
	"roundtable/internal/providers"
	"roundtable/internal/rterrors"
	"roundtable/internal/telemetry"
)

// Consensus-check request shape (spec §4.4).
const (
	maxConsensusRetries  = 2
	consensusTemperature = 0.3
	consensusMaxTokens   = 1024
)

// VoteFunc is invoked as soon as each side's vote is available, so the
// orchestrator can emit a consensus-vote event immediately.
type VoteFunc func(discussion.ConsensusVote)

// Request bundles the inputs a consensus check needs.
type Request struct {
	Config      discussion.Config
	RoundNumber int
	History     []discussion.Message
	OnVote      VoteFunc
}

// skippedReasoning is the reasoning text for synthesized votes produced
// before minRoundsBeforeConsensus is reached.
const skippedReasoning = "Minimum rounds not yet completed"

// Run performs the full consensus check for a round: gates on minimum
// rounds, requests both sides' votes, applies the unanimity policy, and
// picks the final solution. Retries and provider failures are logged
// through log.
func Run(ctx context.Context, providerA, providerB providers.ModelProvider, req Request, log zerolog.Logger) (discussion.ConsensusResult, error) {
	log = log.With().Str("component", "consensusdetector").Logger()

	if req.RoundNumber < req.Config.Options.MinRoundsBeforeConsensus {
		voteA := skippedVote(discussion.RoleA)
		voteB := skippedVote(discussion.RoleB)
		emit(req.OnVote, voteA)
		emit(req.OnVote, voteB)
		return discussion.ConsensusResult{
			RoundNumber: req.RoundNumber,
			VoteA:       voteA,
			VoteB:       voteB,
			IsUnanimous: false,
		}, nil
	}

	voteA, err := requestVote(ctx, providerA, discussion.RoleA, req, log)
	if err != nil {
		log.Error().Str("role", string(discussion.RoleA)).Int("round", req.RoundNumber).Err(err).Msg("consensus vote failed")
		return discussion.ConsensusResult{}, err
	}
	emit(req.OnVote, voteA)

	voteB, err := requestVote(ctx, providerB, discussion.RoleB, req, log)
	if err != nil {
		log.Error().Str("role", string(discussion.RoleB)).Int("round", req.RoundNumber).Err(err).Msg("consensus vote failed")
		return discussion.ConsensusResult{}, err
	}
	emit(req.OnVote, voteB)

	unanimous := isUnanimous(req.Config.Options.RequireBothConsensus, voteA, voteB)

	result := discussion.ConsensusResult{
		RoundNumber: req.RoundNumber,
		VoteA:       voteA,
		VoteB:       voteB,
		IsUnanimous: unanimous,
	}
	if unanimous {
		result.FinalSolution = selectFinalSolution(voteA, voteB)
	}
	return result, nil
}

func emit(fn VoteFunc, vote discussion.ConsensusVote) {
	if fn != nil {
		fn(vote)
	}
}

func skippedVote(role discussion.Role) discussion.ConsensusVote {
	return discussion.ConsensusVote{
		Role:         role,
		HasConsensus: false,
		Confidence:   0,
		Reasoning:    skippedReasoning,
		VotedAt:      time.Now(),
	}
}

// requestVote issues the consensus-check call for role, retrying on
// parse failure up to maxConsensusRetries with a reformat instruction
// appended each time. Exhausting retries yields a fabricated "no" vote
// rather than failing the round (spec §4.4).
func requestVote(ctx context.Context, provider providers.ModelProvider, role discussion.Role, req Request, log zerolog.Logger) (discussion.ConsensusVote, error) {
	systemPrompt, messages := protocol.BuildConsensusMessages(req.Config, req.History)

	var lastErr error
	for attempt := 0; attempt <= maxConsensusRetries; attempt++ {
		if attempt > 0 {
			telemetry.RecordConsensusRetry(role)
			log.Warn().Str("role", string(role)).Int("round", req.RoundNumber).Int("attempt", attempt).Err(lastErr).Msg("retrying consensus vote")
			messages = append(messages, protocol.ChatMessage{Role: "user", Content: protocol.ReformatRetryMessage})
		}

		response, err := streamFullResponse(ctx, provider, systemPrompt, messages)
		if err != nil {
			return discussion.ConsensusVote{}, wrapProviderFailure(role, req.RoundNumber, err)
		}

		parsed, parseErr := protocol.ParseConsensusResponse(response)
		if parseErr == nil {
			return discussion.ConsensusVote{
				Role:             role,
				HasConsensus:     parsed.HasConsensus,
				Confidence:       parsed.Confidence,
				Reasoning:        parsed.Reasoning,
				ProposedSolution: parsed.ProposedSolution,
				VotedAt:          time.Now(),
			}, nil
		}
		lastErr = parseErr
	}

	log.Error().Str("role", string(role)).Int("round", req.RoundNumber).Err(lastErr).Msg("consensus response unparseable after exhausting retries")
	return discussion.ConsensusVote{
		Role:         role,
		HasConsensus: false,
		Confidence:   0,
		Reasoning:    "Failed to obtain valid consensus response: " + lastErr.Error(),
		VotedAt:      time.Now(),
	}, nil
}

func streamFullResponse(ctx context.Context, provider providers.ModelProvider, systemPrompt string, messages []protocol.ChatMessage) (string, error) {
	providerMessages := make([]providers.ChatMessage, 0, len(messages))
	for _, m := range messages {
		providerMessages = append(providerMessages, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}

	chunks, results, errs := provider.StreamText(ctx, providers.StreamRequest{
		Messages:        providerMessages,
		SystemPrompt:    systemPrompt,
		Temperature:     consensusTemperature,
		MaxOutputTokens: consensusMaxTokens,
	})

	var content []byte
	var final *providers.StreamResult
	for chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			content = append(content, c.Text...)
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			r := result
			final = &r
			results = nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}
	if final != nil {
		return fallback(string(content), final.Text), nil
	}
	for results != nil || errs != nil {
		select {
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			return fallback(string(content), result.Text), nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", err
			}
		}
	}
	return string(content), nil
}

func fallback(streamed, final string) string {
	if streamed != "" {
		return streamed
	}
	return final
}

func wrapProviderFailure(role discussion.Role, round int, cause error) error {
	err := rterrors.Wrap(rterrors.CodeConsensusParseFailed, "consensus provider call failed", cause)
	err.Role = string(role)
	err.Round = round
	return err
}

func isUnanimous(requireBoth bool, voteA, voteB discussion.ConsensusVote) bool {
	if requireBoth {
		return voteA.HasConsensus && voteB.HasConsensus
	}
	return voteA.HasConsensus || voteB.HasConsensus
}

// selectFinalSolution implements spec §4.4's tie-break: both proposed ->
// higher confidence wins, ties go to A; exactly one proposed -> use it;
// neither -> placeholder text.
func selectFinalSolution(voteA, voteB discussion.ConsensusVote) string {
	hasA := voteA.ProposedSolution != ""
	hasB := voteB.ProposedSolution != ""

	switch {
	case hasA && hasB:
		if voteB.Confidence > voteA.Confidence {
			return voteB.ProposedSolution
		}
		return voteA.ProposedSolution
	case hasA:
		return voteA.ProposedSolution
	case hasB:
		return voteB.ProposedSolution
	default:
		return "Consensus reached but solution text not extracted."
	}
}
