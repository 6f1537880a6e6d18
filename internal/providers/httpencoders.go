package providers

import (
	"encoding/json"
	"net/http"
)

// ChatCompletionsEncoder targets the OpenAI/Grok-style chat-completions
// streaming API: a single bearer-token header and a {model, messages,
// stream} body.
type ChatCompletionsEncoder struct {
	endpoint  string
	apiKey    string
	modelName string
}

// NewGPTEncoder targets the OpenAI chat-completions endpoint.
func NewGPTEncoder(apiKey, modelName string) *ChatCompletionsEncoder {
	return &ChatCompletionsEncoder{
		endpoint:  "https://api.openai.com/v1/chat/completions",
		apiKey:    apiKey,
		modelName: modelName,
	}
}

// NewGrokEncoder targets xAI's chat-completions-compatible endpoint.
func NewGrokEncoder(apiKey, modelName string) *ChatCompletionsEncoder {
	return &ChatCompletionsEncoder{
		endpoint:  "https://api.x.ai/v1/chat/completions",
		apiKey:    apiKey,
		modelName: modelName,
	}
}

func (e *ChatCompletionsEncoder) Endpoint() string { return e.endpoint }

func (e *ChatCompletionsEncoder) Authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string                   `json:"model"`
	Messages    []chatCompletionMessage  `json:"messages"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
	Stop        []string                 `json:"stop,omitempty"`
}

func (e *ChatCompletionsEncoder) Body(req StreamRequest) ([]byte, error) {
	messages := make([]chatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatCompletionMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	body := chatCompletionRequest{
		Model:       e.modelName,
		Messages:    messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Stop:        req.StopSequences,
	}
	return json.Marshal(body)
}

func (e *ChatCompletionsEncoder) ParseDelta(line []byte) (string, FinishReason, bool) {
	return parseChatCompletionDelta(line)
}
