// Package protocol builds the per-turn and per-consensus message bundles
// sent to a ModelProvider and parses the structured consensus response,
// with a natural-language fallback. Spec §4.1.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"roundtable/internal/discussion"
)

// ChatMessage is a provider-facing message: either an assistant turn
// tagged with its origin role, or a plain user instruction.
type ChatMessage struct {
	Role    string // "assistant" or "user"
	Content string
}

const roleASystemPrompt = `You are participating in a two-model structured discussion aimed at reaching a solid solution to a problem.

Problem: %s

Your role is to act as a direct problem-solver: propose and argue for a concrete approach. Produce a focused analysis of 200-400 words.`

const roleBSystemPrompt = `You are participating in a two-model structured discussion aimed at reaching a solid solution to a problem.

Problem: %s

Your role is to act as a critical evaluator: you receive the other model's analysis and must scrutinize it, pressure-test it, and propose refinements or alternatives. Produce a focused response of 200-400 words.`

const consensusSystemPrompt = `You are evaluating a two-model discussion to determine whether it has produced a solid, agreed-upon solution to the original problem.

Problem: %s

Reply using exactly this format, with no extra commentary outside it:

[CONSENSUS_CHECK]
HAS_CONSENSUS: <YES|NO>
[CONFIDENCE]
<integer 0..100>
[REASONING]
<free text>
[PROPOSED_SOLUTION]
<free text, or literally "No consensus yet.">`

const initialInstruction = "This is the start of the discussion. Please give your initial analysis of the problem above."

// followUpInstruction fills in the round number the follow-up is for.
func followUpInstruction(roundNumber int) string {
	return fmt.Sprintf("Continuing the discussion into round %d. Respond to the exchange so far.", roundNumber)
}

const consensusInstruction = "Evaluate whether the discussion above has reached a solid, agreed-upon solution and reply using the required format."

// BuildTurnMessages returns the system prompt and message list for role's
// turn in currentRound, given the shared message history (spec §4.1
// "Turn message build").
func BuildTurnMessages(role discussion.Role, cfg discussion.Config, currentRound int, history []discussion.Message) (systemPrompt string, messages []ChatMessage) {
	if role == discussion.RoleA {
		systemPrompt = fmt.Sprintf(roleASystemPrompt, cfg.Prompt)
	} else {
		systemPrompt = fmt.Sprintf(roleBSystemPrompt, cfg.Prompt)
	}

	messages = historyToMessages(history)

	instruction := initialInstruction
	if len(history) > 0 {
		instruction = followUpInstruction(currentRound)
	}
	messages = append(messages, ChatMessage{Role: "user", Content: instruction})
	return systemPrompt, messages
}

// BuildConsensusMessages returns the system prompt and message list for a
// consensus-check request (spec §4.1 "Consensus message build").
func BuildConsensusMessages(cfg discussion.Config, history []discussion.Message) (systemPrompt string, messages []ChatMessage) {
	systemPrompt = fmt.Sprintf(consensusSystemPrompt, cfg.Prompt)
	messages = historyToMessages(history)
	messages = append(messages, ChatMessage{Role: "user", Content: consensusInstruction})
	return systemPrompt, messages
}

// ReformatRetryMessage is appended when a consensus response fails to
// parse and a retry is attempted (spec §4.4).
const ReformatRetryMessage = "Please provide your response in the exact structured format requested, starting with [CONSENSUS_CHECK]."

func historyToMessages(history []discussion.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, ChatMessage{
			Role:    "assistant",
			Content: fmt.Sprintf("[Model %s] %s", m.Role, m.Content),
		})
	}
	return out
}

// --- Structured consensus parsing ---

var (
	markerRe     = regexp.MustCompile(`\[CONSENSUS_CHECK\]`)
	hasConsensusRe = regexp.MustCompile(`(?i)HAS_CONSENSUS:\s*(YES|NO)`)
	confidenceSectionRe = regexp.MustCompile(`(?is)\[CONFIDENCE\]\s*(-?\d+)`)
	reasoningSectionRe  = regexp.MustCompile(`(?is)\[REASONING\]\s*(.*?)(?:\[PROPOSED_SOLUTION\]|$)`)
	solutionSectionRe   = regexp.MustCompile(`(?is)\[PROPOSED_SOLUTION\]\s*(.*)$`)
)

// ParseError indicates the response could not be interpreted even by the
// natural-language fallback (spec §4.1 "Failure").
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "consensus parse failed: " + e.Reason }

// ParsedVote is the intermediate parse result before VotedAt/Role are
// filled in by the caller.
type ParsedVote struct {
	HasConsensus     bool
	Confidence       int
	Reasoning        string
	ProposedSolution string
}

// ParseConsensusResponse implements spec §4.1's five-step parse with
// natural-language fallback.
func ParseConsensusResponse(response string) (ParsedVote, error) {
	if markerRe.MatchString(response) {
		if m := hasConsensusRe.FindStringSubmatch(response); m != nil {
			return parseStructured(response, strings.EqualFold(m[1], "YES")), nil
		}
	}
	return parseNaturalLanguageFallback(response)
}

func parseStructured(response string, hasConsensus bool) ParsedVote {
	confidence := 50
	if m := confidenceSectionRe.FindStringSubmatch(response); m != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(m[1])); err == nil {
			confidence = clamp(n, 0, 100)
		}
	}

	reasoning := ""
	if m := reasoningSectionRe.FindStringSubmatch(response); m != nil {
		reasoning = strings.TrimSpace(m[1])
	}

	solution := ""
	if m := solutionSectionRe.FindStringSubmatch(response); m != nil {
		solution = strings.TrimSpace(m[1])
	}

	if !isRealSolution(solution) {
		solution = ""
	}

	vote := ParsedVote{
		HasConsensus: hasConsensus,
		Confidence:   confidence,
		Reasoning:    reasoning,
	}
	if hasConsensus {
		vote.ProposedSolution = solution
	}
	return vote
}

// isRealSolution applies spec §4.1 step 5: empty, <10 chars, or
// containing "no consensus" (case-insensitive) all mean "no solution".
func isRealSolution(s string) bool {
	if len(s) < 10 {
		return false
	}
	if strings.Contains(strings.ToLower(s), "no consensus") {
		return false
	}
	return true
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// --- Natural-language fallback ---

var positivePhrases = []string{
	"we have reached consensus",
	"i agree with",
	"we agree that",
	"i concur",
	"the solution is",
	"consensus has been reached",
	"our agreed solution",
}

var negativePhrases = []string{
	"i disagree",
	"we have not reached",
	"no consensus",
	"further discussion needed",
	"still need to discuss",
	"i think differently",
}

var fallbackSolutionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)the solution is:\s*(.+)`),
	regexp.MustCompile(`(?is)we agreed? (?:on|that):\s*(.+)`),
	regexp.MustCompile(`(?is)our final answer is:\s*(.+)`),
}

func parseNaturalLanguageFallback(response string) (ParsedVote, error) {
	if strings.TrimSpace(response) == "" {
		return ParsedVote{}, &ParseError{Reason: "empty response"}
	}

	lower := strings.ToLower(response)

	pos := countPhrases(lower, positivePhrases)
	neg := countPhrases(lower, negativePhrases)

	hasConsensus := pos > neg && pos > 0
	confidence := clamp(50+10*(pos-neg), 30, 70)

	vote := ParsedVote{
		HasConsensus: hasConsensus,
		Confidence:   confidence,
		Reasoning:    strings.TrimSpace(response),
	}

	if hasConsensus {
		for _, re := range fallbackSolutionPatterns {
			if m := re.FindStringSubmatch(response); m != nil {
				candidate := strings.TrimSpace(m[1])
				if len(candidate) >= 20 {
					vote.ProposedSolution = candidate
					break
				}
			}
		}
	}

	return vote, nil
}

func countPhrases(lower string, phrases []string) int {
	count := 0
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			count++
		}
	}
	return count
}
