package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// OpenAIClient adapts the chat-completions API to the engine's invocation
// port. Any OpenAI-compatible endpoint works via BaseURL.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	temperature  float64
}

func NewOpenAIClient(cfg domain.LLMConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		temperature:  cfg.Temperature,
	}
}

func (c *OpenAIClient) Invoke(ctx context.Context, model domain.ModelConfig, messages []ports.ChatMessage) (*ports.LLMResult, error) {
	name := model.Name
	if name == "" {
		name = c.defaultModel
	}
	temperature := model.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	req := openai.ChatCompletionRequest{
		Model:       name,
		Temperature: float32(temperature),
	}
	if model.MaxTokens > 0 {
		req.MaxTokens = model.MaxTokens
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion (%s): %w", name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewExecutionError("model returned no choices",
			map[string]interface{}{"model": name})
	}

	return &ports.LLMResult{
		Content: resp.Choices[0].Message.Content,
		Usage: ports.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
