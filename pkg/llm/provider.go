package llm

import (
	"fmt"
	"time"

	corellm "github.com/MimeLyc/agent-core-go/pkg/llm"
)

// ProviderType identifies the LLM provider backend.
type ProviderType string

const (
	// ProviderClaude uses the Claude API (Anthropic).
	ProviderClaude ProviderType = "claude"

	// ProviderOpenAI uses OpenAI-compatible APIs (OpenAI, OpenRouter, DeepSeek, etc.).
	ProviderOpenAI ProviderType = "openai"
)

// ProviderConfig contains configuration for creating a model client.
type ProviderConfig struct {
	Type        ProviderType
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
}

// ConfigFromRuntime maps the shared agent-core runtime settings
// (LLM_API_BASE_URL, LLM_API_KEY, ...) onto a ProviderConfig.
func ConfigFromRuntime(rc corellm.RuntimeConfig) ProviderConfig {
	return ProviderConfig{
		Type:        ProviderType(rc.LLMProviderType),
		BaseURL:     rc.LLMAPIBaseURL,
		APIKey:      rc.LLMAPIKey,
		Model:       rc.LLMAPIModel,
		MaxTokens:   rc.AgentMaxTokens,
		Timeout:     rc.LLMTimeout,
		MaxAttempts: rc.LLMAPIMaxAttempts,
	}
}

// NewModelClient creates a model client based on the configuration.
func NewModelClient(cfg ProviderConfig) (ModelClient, error) {
	switch cfg.Type {
	case ProviderClaude, "":
		return NewClaudeProvider(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider type: %s", cfg.Type)
	}
}
