// Package turnexecutor issues a single streamed model turn under a
// per-turn deadline, retries transient provider failures, and packages
// the result into a discussion.Turn. Spec §4.3. Grounded on the
// teacher's fan-out/timeout shape in orchestrator.go's sendWithTimeout,
// generalized from an N-way model broadcast to one call per (role,
// round).
package turnexecutor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
	"roundtable/internal/protocol"
	"roundtable/internal/providers"
	"roundtable/internal/rterrors"
	"roundtable/internal/telemetry"
)

// Retry policy constants (spec §4.3).
const (
	maxRetries = 2
	baseDelay  = 1 * time.Second
	maxDelay   = 30 * time.Second
)

// ChunkFunc is invoked for every streamed chunk as it arrives, tagged
// with the turn's role.
type ChunkFunc func(role discussion.Role, chunk string)

// Request bundles the inputs a turn call needs.
type Request struct {
	Role         discussion.Role
	Participant  discussion.Participant
	RoundNumber  int
	SystemPrompt string
	Messages     []protocol.ChatMessage
	Options      discussion.Options
	OnChunk      ChunkFunc
}

// Result is the success output: the completed Turn, whose token counts
// the orchestrator folds into its running totals.
type Result struct {
	Turn discussion.Turn
}

// randSource is overridable by tests so jitter is deterministic.
var randSource = rand.Float64

// nowFunc is overridable by tests for deterministic StartedAt/id values.
var nowFunc = time.Now

// Execute runs req against provider, retrying transient failures per
// the spec's backoff ladder and honoring both the per-turn deadline
// (derived here) and ctx's own cancellation. Retries and terminal
// failures are logged through log.
func Execute(ctx context.Context, provider providers.ModelProvider, req Request, log zerolog.Logger) (Result, error) {
	log = log.With().Str("component", "turnexecutor").Logger()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			telemetry.RecordTurnRetry(req.Role, req.Participant.ProviderID)
			delay := backoffDelay(attempt, lastErr)
			log.Warn().
				Str("role", string(req.Role)).
				Int("round", req.RoundNumber).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying turn")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Result{}, rterrors.ErrCancelled
			}
		}

		result, err := attemptTurn(ctx, provider, req)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, rterrors.ErrTurnTimeout) || errors.Is(err, rterrors.ErrCancelled) {
			return Result{}, err
		}

		lastErr = err
		if !isRetryable(err) {
			log.Error().Str("role", string(req.Role)).Int("round", req.RoundNumber).Err(err).Msg("turn failed, not retryable")
			return Result{}, wrapTurnFailed(req, err)
		}
	}

	log.Error().Str("role", string(req.Role)).Int("round", req.RoundNumber).Err(lastErr).Msg("turn failed after exhausting retries")
	return Result{}, wrapTurnFailed(req, lastErr)
}

func attemptTurn(ctx context.Context, provider providers.ModelProvider, req Request) (Result, error) {
	startedAt := nowFunc()

	childCtx, cancel := context.WithTimeout(ctx, req.Options.TurnTimeout)
	defer cancel()

	providerMessages := make([]providers.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		providerMessages = append(providerMessages, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}

	streamReq := providers.StreamRequest{
		ModelID:         req.Participant.ModelID,
		Messages:        providerMessages,
		SystemPrompt:    req.SystemPrompt,
		Temperature:     req.Options.Temperature,
		MaxOutputTokens: req.Options.MaxTokensPerTurn,
	}

	chunks, results, errs := provider.StreamText(childCtx, streamReq)

	var content []byte
	var finalResult *providers.StreamResult
	var finalErr error

	// Drain chunks to completion before returning so a buffered result
	// arriving alongside the last chunks never truncates content.
	for chunks != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			content = append(content, c.Text...)
			if req.OnChunk != nil {
				req.OnChunk(req.Role, c.Text)
			}

		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			r := result
			finalResult = &r

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				finalErr = err
			}
		}
	}

	// chunks is closed; pick up any result/error still pending.
	for results != nil || errs != nil {
		select {
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			r := result
			finalResult = &r
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				finalErr = err
			}
		}
	}

	if finalErr != nil {
		return Result{}, classifyFailure(childCtx, ctx, req, finalErr)
	}
	if finalResult == nil {
		return Result{}, classifyFailure(childCtx, ctx, req, errors.New("provider closed all channels without a result"))
	}
	return packageResult(req, startedAt, string(content), *finalResult), nil
}

// classifyFailure distinguishes a local per-turn deadline from parent
// cancellation from an ordinary provider error (spec §4.3).
func classifyFailure(childCtx, parentCtx context.Context, req Request, err error) error {
	if parentCtx.Err() != nil {
		return rterrors.ErrCancelled
	}
	if childCtx.Err() == context.DeadlineExceeded {
		return rterrors.Wrap(rterrors.CodeTurnTimeout, fmt.Sprintf("turn timed out after %s", req.Options.TurnTimeout), rterrors.ErrTurnTimeout)
	}
	return err
}

func isRetryable(err error) bool {
	var rtErr *rterrors.Error
	if errors.As(err, &rtErr) {
		return rtErr.Retryable
	}
	return false
}

// backoffDelay computes the delay before attempt, honoring a provider's
// RetryAfter hint when present, else the exponential-with-jitter ladder
// (spec §4.3: base 1s, ×2 per attempt, 0-50% jitter, capped at 30s).
func backoffDelay(attempt int, lastErr error) time.Duration {
	var rtErr *rterrors.Error
	if errors.As(lastErr, &rtErr) && rtErr.RetryAfter != nil {
		return capDelay(*rtErr.RetryAfter)
	}
	base := baseDelay * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(randSource() * 0.5 * float64(base))
	return capDelay(base + jitter)
}

func capDelay(d time.Duration) time.Duration {
	if d > maxDelay {
		return maxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}

func wrapTurnFailed(req Request, cause error) error {
	err := rterrors.Wrap(rterrors.CodeTurnFailed, fmt.Sprintf("turn failed for role %s round %d", req.Role, req.RoundNumber), cause)
	err.Role = string(req.Role)
	err.Round = req.RoundNumber
	return err
}

func packageResult(req Request, startedAt time.Time, streamedContent string, result providers.StreamResult) Result {
	content := streamedContent
	if content == "" {
		content = result.Text
	}

	turn := discussion.Turn{
		ID:               turnID(req.RoundNumber, req.Role, startedAt),
		Role:             req.Role,
		RoundNumber:      req.RoundNumber,
		Content:          content,
		StartedAt:        startedAt,
		DurationMs:       time.Since(startedAt).Milliseconds(),
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		FinishReason:     normalizeFinishReason(result.FinishReason),
	}
	return Result{Turn: turn}
}

func turnID(round int, role discussion.Role, startedAt time.Time) string {
	return fmt.Sprintf("turn_%d_%s_%d", round, role, startedAt.UnixMilli())
}

func normalizeFinishReason(fr providers.FinishReason) discussion.FinishReason {
	switch fr {
	case providers.FinishStop:
		return discussion.FinishStop
	case providers.FinishLength:
		return discussion.FinishLength
	case providers.FinishContentFilter:
		return discussion.FinishContentFilter
	case providers.FinishToolCalls:
		return discussion.FinishToolCalls
	default:
		return discussion.FinishError
	}
}
