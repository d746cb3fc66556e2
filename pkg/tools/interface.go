package tools

import (
	"context"
	"fmt"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/llm"
)

// Tool defines the interface for all tools available to the agent.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input parameters.
	InputSchema() map[string]any

	// Run executes the tool. hist is the live conversation; most tools only
	// read it. A returned error is reported to the model as a failed result.
	Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (Outcome, error)
}

// Outcome is the result of one tool run.
type Outcome struct {
	// Content is the text returned to the model.
	Content string

	// Parts, when set, replaces Content with a multi-modal result.
	Parts []llm.ContentPart

	// OperatorSummary is a short line shown to the human operator.
	OperatorSummary string

	// IsError indicates if the execution resulted in an error.
	IsError bool

	// Metadata contains additional information about the execution.
	Metadata map[string]any
}

// NewOutcome creates a successful outcome.
func NewOutcome(content string) Outcome {
	return Outcome{Content: content}
}

// NewErrorOutcome creates an error outcome.
func NewErrorOutcome(err error) Outcome {
	return Outcome{
		Content: err.Error(),
		IsError: true,
	}
}

// NewErrorOutcomef creates an error outcome with a formatted message.
func NewErrorOutcomef(format string, args ...any) Outcome {
	return Outcome{
		Content: formatMessage(format, args...),
		IsError: true,
	}
}

// WithSummary sets the operator-facing summary.
func (o Outcome) WithSummary(summary string) Outcome {
	o.OperatorSummary = summary
	return o
}

// WithMetadata adds metadata to an outcome.
func (o Outcome) WithMetadata(key string, value any) Outcome {
	if o.Metadata == nil {
		o.Metadata = make(map[string]any)
	}
	o.Metadata[key] = value
	return o
}

// Result converts the outcome into the tool result block answering call.
func (o Outcome) Result(call llm.ToolCall) llm.ToolResult {
	return llm.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Output:  o.Content,
		Parts:   o.Parts,
		IsError: o.IsError,
	}
}

// Definition describes a tool to the model.
func Definition(t Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}

func formatMessage(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// StringInput reads an optional string field.
func StringInput(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// IntInput reads an optional integer field; JSON numbers arrive as float64.
func IntInput(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
