package tools

import (
	"context"
	"fmt"
	"runtime/debug"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
)

// ToolNotFoundError is reported when the model calls an unregistered tool.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("Tool with name %s not found", e.Name)
}

// Manager dispatches tool calls for one session. It owns exactly one
// completion tool, registered alongside the session's other tools.
type Manager struct {
	registry   *Registry
	completion CompletionTool
}

// NewManager registers completion into registry and returns the dispatcher.
func NewManager(registry *Registry, completion CompletionTool) (*Manager, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	if completion == nil {
		return nil, fmt.Errorf("tool manager requires a completion tool")
	}
	if err := registry.Register(completion); err != nil {
		return nil, fmt.Errorf("register completion tool: %w", err)
	}
	return &Manager{registry: registry, completion: completion}, nil
}

// NewInteractiveManager uses ReturnControlToUserTool when interactive and
// CompleteTool otherwise.
func NewInteractiveManager(registry *Registry, interactive bool) (*Manager, error) {
	if interactive {
		return NewManager(registry, NewReturnControlToUserTool())
	}
	return NewManager(registry, NewCompleteTool())
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Completion returns the session's completion tool.
func (m *Manager) Completion() CompletionTool {
	return m.completion
}

// Get looks up a tool by name.
func (m *Manager) Get(name string) (Tool, error) {
	tool := m.registry.Get(name)
	if tool == nil {
		return nil, &ToolNotFoundError{Name: name}
	}
	return tool, nil
}

// Schemas returns the tool definitions sent to the model.
func (m *Manager) Schemas() []llm.ToolDefinition {
	return m.registry.Definitions()
}

// Dispatch runs call and always returns an outcome. Unknown tools, returned
// errors and panics become error outcomes carrying the message.
func (m *Manager) Dispatch(ctx context.Context, call llm.ToolCall, hist *history.MessageHistory) (out Outcome) {
	log := logging.FromContext(ctx).With("tool", call.Name, "tool_call_id", call.ID)

	tool, err := m.Get(call.Name)
	if err != nil {
		log.Warn("tool not found")
		return NewErrorOutcome(err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = NewErrorOutcomef("Tool %s failed: %v", call.Name, r)
		}
	}()

	log.Info("running tool", "input", call.Input)
	out, err = tool.Run(ctx, call.Input, hist)
	if err != nil {
		log.Warn("tool returned error", "error", err)
		return NewErrorOutcome(err)
	}
	log.Debug("tool finished", "is_error", out.IsError, "content_bytes", len(out.Content),
		"summary", out.OperatorSummary, "metadata", out.Metadata)
	return out
}

// IsCompletion reports whether name is the completion tool.
func (m *Manager) IsCompletion(name string) bool {
	return name == m.completion.Name()
}

// ShouldStop reports whether the completion tool has ended the run.
func (m *Manager) ShouldStop() bool {
	return m.completion.ShouldStop()
}

// FinalAnswer returns the completion tool's answer.
func (m *Manager) FinalAnswer() string {
	return m.completion.Answer()
}

// Reset clears the completion tool's state.
func (m *Manager) Reset() {
	m.completion.Reset()
}
