package llm

import "context"

// StopReason represents why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonStopSeq   StopReason = "stop_sequence"
)

// ToolDefinition defines a tool available to the agent.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateRequest is one model call.
type GenerateRequest struct {
	Turns       []Turn
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
	System      string
}

// GenerateResponse is the model's reply.
type GenerateResponse struct {
	Blocks     []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Text joins the reply's text blocks.
func (r GenerateResponse) Text() string {
	return JoinText(r.Blocks)
}

// ToolCalls returns the reply's tool calls in order.
func (r GenerateResponse) ToolCalls() []ToolCall {
	return AssistantTurn(r.Blocks...).ToolCalls()
}

// ModelClient is the provider-agnostic contract the agent loop needs.
// Implementations own their retry policy; failures surface as *ProviderError.
type ModelClient interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)

	// Name returns the provider name (e.g., "claude", "openai").
	Name() string
}

// ModelClientFunc adapts a function to ModelClient.
type ModelClientFunc func(ctx context.Context, req GenerateRequest) (GenerateResponse, error)

func (f ModelClientFunc) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	return f(ctx, req)
}

func (f ModelClientFunc) Name() string { return "func" }
