// Package telemetry exposes Prometheus instrumentation for the
// discussion core. Purely additive observability — nothing in the
// orchestrator's control flow depends on it. Grounded on
// ajitpratap0-cryptofunk's internal/metrics: package-level promauto
// vars plus small Record*/Update* helpers, and a bounded-cardinality
// label normalizer for free-form strings (provider error codes here,
// exchange error categories there).
package telemetry

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"roundtable/internal/discussion"
)

// Bounded label sets. A provider/error code never reaches a metric
// label unnormalized — unbounded label cardinality is a Prometheus
// memory leak waiting to happen.
const (
	ErrorCategoryTimeout   = "timeout"
	ErrorCategoryRateLimit = "rate_limit"
	ErrorCategoryProvider  = "provider_unavailable"
	ErrorCategoryParse     = "parse_error"
	ErrorCategoryCancelled = "cancelled"
	ErrorCategoryOther     = "other"
)

// NormalizeErrorCode maps a rterrors.Code (or any free-form error
// string) to the bounded set above.
func NormalizeErrorCode(code string) string {
	lower := strings.ToLower(code)
	switch {
	case strings.Contains(lower, "timeout"):
		return ErrorCategoryTimeout
	case strings.Contains(lower, "rate") && strings.Contains(lower, "limit"):
		return ErrorCategoryRateLimit
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "provider"):
		return ErrorCategoryProvider
	case strings.Contains(lower, "parse"):
		return ErrorCategoryParse
	case strings.Contains(lower, "cancel") || strings.Contains(lower, "abort"):
		return ErrorCategoryCancelled
	default:
		return ErrorCategoryOther
	}
}

// Turn metrics.
var (
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roundtable_turn_duration_ms",
		Help:    "Turn generation duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"role", "provider"})

	TurnRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_turn_retries_total",
		Help: "Total number of turn generation retries",
	}, []string{"role", "provider"})

	TurnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_turn_failures_total",
		Help: "Total number of turn generation failures by error category",
	}, []string{"role", "category"})

	TurnTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_turn_tokens_total",
		Help: "Total tokens consumed by turns",
	}, []string{"role", "kind"})
)

// Consensus metrics.
var (
	ConsensusRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundtable_consensus_rounds_total",
		Help: "Total number of consensus checks performed",
	})

	ConsensusVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_consensus_votes_total",
		Help: "Total consensus votes cast, by role and agreement",
	}, []string{"role", "agreement"})

	ConsensusRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_consensus_retries_total",
		Help: "Total reformat retries issued after an unparseable vote",
	}, []string{"role"})

	ConsensusOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_consensus_outcomes_total",
		Help: "Total consensus outcomes by unanimity",
	}, []string{"unanimous"})
)

// Discussion-level metrics.
var (
	DiscussionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roundtable_discussions_active",
		Help: "Number of discussions currently running",
	})

	DiscussionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roundtable_discussion_duration_ms",
		Help:    "Total discussion duration in milliseconds",
		Buckets: []float64{500, 1000, 5000, 15000, 30000, 60000, 180000, 600000},
	})

	DiscussionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roundtable_discussion_outcomes_total",
		Help: "Total discussions completed, by stopping reason",
	}, []string{"stopping_reason"})
)

func RecordTurnDuration(role discussion.Role, provider string, durationMs int64) {
	TurnDuration.WithLabelValues(string(role), provider).Observe(float64(durationMs))
}

func RecordTurnRetry(role discussion.Role, provider string) {
	TurnRetries.WithLabelValues(string(role), provider).Inc()
}

func RecordTurnFailure(role discussion.Role, code string) {
	TurnFailures.WithLabelValues(string(role), NormalizeErrorCode(code)).Inc()
}

func RecordTurnTokens(role discussion.Role, usage discussion.TokenUsage) {
	TurnTokens.WithLabelValues(string(role), "prompt").Add(float64(usage.PromptTokens))
	TurnTokens.WithLabelValues(string(role), "completion").Add(float64(usage.CompletionTokens))
}

func RecordConsensusVote(vote discussion.ConsensusVote) {
	agreement := "no"
	if vote.HasConsensus {
		agreement = "yes"
	}
	ConsensusVotes.WithLabelValues(string(vote.Role), agreement).Inc()
}

func RecordConsensusRetry(role discussion.Role) {
	ConsensusRetries.WithLabelValues(string(role)).Inc()
}

func RecordConsensusResult(result discussion.ConsensusResult) {
	ConsensusRounds.Inc()
	unanimous := "false"
	if result.IsUnanimous {
		unanimous = "true"
	}
	ConsensusOutcomes.WithLabelValues(unanimous).Inc()
}

func DiscussionStarted() {
	DiscussionsActive.Inc()
}

func DiscussionFinished(stoppingReason discussion.StoppingReason, durationMs int64) {
	DiscussionsActive.Dec()
	DiscussionDuration.Observe(float64(durationMs))
	DiscussionOutcomes.WithLabelValues(string(stoppingReason)).Inc()
}
