package providers

// Concrete vendor constructors. Each wires a vendor's actual CLI
// invocation / HTTP encoding onto the two generic adapters, carrying
// forward the exact argv and request shapes the teacher's
// internal/models/claude.go, gemini.go, gpt.go, and grok.go used.

// NewClaudeProvider drives the Claude Code CLI in single-shot JSON
// mode, matching claude.go's "--print --output-format json -p
// <prompt>" invocation.
func NewClaudeProvider(cliPath string) *CLIProvider {
	return NewCLIProvider("claude", cliPath, func(req StreamRequest, fullPrompt string) []string {
		return []string{"--print", "--output-format", "json", "-p", fullPrompt}
	})
}

// NewGeminiProvider drives the Gemini CLI in streaming JSON mode,
// matching gemini.go's "--output-format stream-json <prompt>"
// invocation.
func NewGeminiProvider(cliPath string) *CLIProvider {
	return NewCLIProvider("gemini", cliPath, func(req StreamRequest, fullPrompt string) []string {
		return []string{"--output-format", "stream-json", fullPrompt}
	})
}

// NewGPTProvider targets OpenAI's chat-completions streaming endpoint.
func NewGPTProvider(apiKey, modelName string) *HTTPProvider {
	return NewHTTPProvider("gpt", NewGPTEncoder(apiKey, modelName))
}

// NewGrokProvider targets xAI's chat-completions-compatible streaming
// endpoint.
func NewGrokProvider(apiKey, modelName string) *HTTPProvider {
	return NewHTTPProvider("grok", NewGrokEncoder(apiKey, modelName))
}
