// Package render turns a finished discussion.State into a markdown
// transcript: pure formatting, no persistence, no side effects — the
// caller decides whether and where to write the returned string.
// Grounded on the teacher's internal/export/markdown.go, generalized
// from a DebateExport (flat message log keyed by free-form "source"
// strings) to the two-role discussion.State (rounds of paired turns
// plus a consensus vote each), and trimmed of its WriteDebate
// filesystem step (no persistence of completed discussions, spec
// Non-goals).
package render

import (
	"fmt"
	"strings"
	"time"

	"roundtable/internal/discussion"
)

// Render produces a markdown document describing state: prompt,
// per-round turns and consensus votes, and the final outcome.
func Render(state *discussion.State) string {
	var sb strings.Builder

	sb.WriteString("# Roundtable Discussion\n\n")
	sb.WriteString("---\n\n")
	sb.WriteString(fmt.Sprintf("**Discussion ID:** `%s`\n\n", state.ID))
	sb.WriteString(fmt.Sprintf("**Prompt:** %s\n\n", state.Config.Prompt))
	sb.WriteString(fmt.Sprintf("**Model A:** `%s` (%s)\n\n", state.Config.ParticipantA.ModelID, state.Config.ParticipantA.ProviderID))
	sb.WriteString(fmt.Sprintf("**Model B:** `%s` (%s)\n\n", state.Config.ParticipantB.ModelID, state.Config.ParticipantB.ProviderID))
	if state.StartedAt != nil {
		sb.WriteString(fmt.Sprintf("**Started:** %s\n\n", state.StartedAt.Format("2006-01-02 15:04:05")))
	}
	if state.StoppingReason != "" {
		sb.WriteString(fmt.Sprintf("**Stopping reason:** %s\n\n", state.StoppingReason))
	}
	sb.WriteString("---\n\n")

	sb.WriteString("## Transcript\n\n")
	rounds := state.Transcript.Rounds
	for i, round := range rounds {
		sb.WriteString(fmt.Sprintf("### Round %d\n\n", round.Number))

		if round.TurnA != nil {
			renderTurn(&sb, "Model A", *round.TurnA)
		}
		if round.TurnB != nil {
			renderTurn(&sb, "Model B", *round.TurnB)
		}
		if round.Consensus != nil {
			renderConsensus(&sb, *round.Consensus)
		}

		if i < len(rounds)-1 {
			sb.WriteString("---\n\n")
		}
	}

	if state.FinalConsensus != nil {
		sb.WriteString("---\n\n")
		sb.WriteString("## Final Consensus\n\n")
		sb.WriteString(fmt.Sprintf("Achieved at round %d.\n\n", state.FinalConsensus.AchievedAtRound))
		sb.WriteString(blockquote(state.FinalConsensus.Solution))
		sb.WriteString("\n")
	}

	sb.WriteString("\n---\n\n")
	sb.WriteString(fmt.Sprintf("*Rendered by Roundtable on %s*\n", time.Now().Format("2006-01-02 15:04:05")))

	return sb.String()
}

func renderTurn(sb *strings.Builder, label string, turn discussion.Turn) {
	ts := turn.StartedAt.Format("15:04:05")
	sb.WriteString(fmt.Sprintf("#### [%s] %s\n\n", ts, label))

	content := strings.TrimSpace(turn.Content)
	if containsCodeBlock(content) {
		sb.WriteString(content)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString(blockquote(content))
		sb.WriteString("\n")
	}
}

func renderConsensus(sb *strings.Builder, result discussion.ConsensusResult) {
	sb.WriteString("**Consensus check:**\n\n")
	renderVote(sb, "A", result.VoteA)
	renderVote(sb, "B", result.VoteB)
	if result.IsUnanimous {
		sb.WriteString("Unanimous — round closed.\n\n")
	}
}

func renderVote(sb *strings.Builder, label string, vote discussion.ConsensusVote) {
	agreement := "no"
	if vote.HasConsensus {
		agreement = "yes"
	}
	sb.WriteString(fmt.Sprintf("- Model %s: consensus=%s, confidence=%d — %s\n", label, agreement, vote.Confidence, vote.Reasoning))
}

func blockquote(content string) string {
	var sb strings.Builder
	for _, line := range strings.Split(content, "\n") {
		sb.WriteString("> ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func containsCodeBlock(content string) bool {
	return strings.Contains(content, "```")
}
