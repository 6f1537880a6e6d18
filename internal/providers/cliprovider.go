package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"roundtable/internal/rterrors"
)

// CLIProvider shells out to a local CLI in non-interactive, streaming
// JSON mode and parses its result/delta events, mirroring how the
// CLI-backed vendors invoke their respective binaries.
type CLIProvider struct {
	id      string
	cliPath string
	args    func(req StreamRequest, fullPrompt string) []string
	workDir string
}

// NewCLIProvider returns a ModelProvider that drives cliPath as a
// subprocess. buildArgs receives the flattened prompt (system prompt +
// message history + latest instruction, teacher's "fullPrompt" shape)
// and returns the CLI invocation's argv tail.
func NewCLIProvider(id, cliPath string, buildArgs func(req StreamRequest, fullPrompt string) []string) *CLIProvider {
	return &CLIProvider{id: id, cliPath: cliPath, args: buildArgs}
}

func (p *CLIProvider) ID() string { return p.id }

func (p *CLIProvider) Initialize(ctx context.Context) error {
	if p.cliPath == "" {
		return rterrors.New(rterrors.CodeInitializationFailed, "no CLI path configured for provider "+p.id)
	}
	return nil
}

func flattenPrompt(req StreamRequest) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	butLast := len(req.Messages) - 1
	if butLast < 0 {
		butLast = 0
	}
	for _, m := range req.Messages[:butLast] {
		b.WriteString("[")
		b.WriteString(m.Role)
		b.WriteString("]: ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	if len(req.Messages) > 0 {
		b.WriteString(req.Messages[len(req.Messages)-1].Content)
	}
	return b.String()
}

func (p *CLIProvider) StreamText(ctx context.Context, req StreamRequest) (<-chan Chunk, <-chan StreamResult, <-chan error) {
	chunkOut := make(chan Chunk, 64)
	resultOut := make(chan StreamResult, 1)
	errOut := make(chan error, 1)

	go func() {
		defer close(chunkOut)
		defer close(resultOut)
		defer close(errOut)

		start := time.Now()
		fullPrompt := flattenPrompt(req)
		cmd := exec.CommandContext(ctx, p.cliPath, p.args(req, fullPrompt)...)
		if p.workDir != "" {
			cmd.Dir = p.workDir
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errOut <- normalizeError(rterrors.CodeProviderError, "stdout pipe: "+err.Error(), false, 0, err)
			return
		}
		if err := cmd.Start(); err != nil {
			errOut <- normalizeError(rterrors.CodeProviderError, "start CLI: "+err.Error(), true, 0, err)
			return
		}

		var full strings.Builder
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

		for scanner.Scan() {
			var event map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
				continue
			}
			text, done := parseCLIEvent(event)
			if text != "" {
				full.WriteString(text)
				select {
				case chunkOut <- Chunk{Text: text}:
				case <-ctx.Done():
					_ = cmd.Process.Kill()
					errOut <- rterrors.ErrCancelled
					return
				}
			}
			if done {
				break
			}
		}

		_ = cmd.Wait()

		resultOut <- StreamResult{
			Text:         full.String(),
			FinishReason: FinishStop,
			DurationMs:   time.Since(start).Milliseconds(),
		}
	}()

	return chunkOut, resultOut, errOut
}

// parseCLIEvent recognizes the "result" and "content_block_delta" event
// shapes common to print-mode CLI JSON output.
func parseCLIEvent(event map[string]any) (text string, done bool) {
	eventType, _ := event["type"].(string)
	switch eventType {
	case "result":
		if result, ok := event["result"].(string); ok {
			return result, true
		}
		return "", true
	case "content_block_delta":
		if delta, ok := event["delta"].(map[string]any); ok {
			if t, ok := delta["text"].(string); ok {
				return t, false
			}
		}
	}
	return "", false
}
