package ports

import (
	"context"

	"github.com/loomrun/loom/internal/domain"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResult struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// LLMClient invokes a model with serialized messages. The engine consumes
// only content and token counts, never vendor shapes.
type LLMClient interface {
	Invoke(ctx context.Context, model domain.ModelConfig, messages []ChatMessage) (*LLMResult, error)
}
