package tools

import (
	"context"
	"errors"
	"sync"

	"agent_runtime/pkg/history"
)

// TaskCompleted is the result both completion tools return to the model.
const TaskCompleted = "Task completed"

// CompletionTool ends a run. The loop checks ShouldStop after dispatching it.
type CompletionTool interface {
	Tool
	Answer() string
	ShouldStop() bool
	Reset()
}

type completionState struct {
	mu         sync.Mutex
	answer     string
	shouldStop bool
}

func (s *completionState) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

func (s *completionState) ShouldStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldStop
}

func (s *completionState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer = ""
	s.shouldStop = false
}

func (s *completionState) stop(answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer = answer
	s.shouldStop = true
}

// CompleteTool is the terminal completion tool for non-interactive runs.
type CompleteTool struct {
	completionState
}

// NewCompleteTool creates the terminal completion tool.
func NewCompleteTool() *CompleteTool {
	return &CompleteTool{}
}

func (t *CompleteTool) Name() string { return "complete" }

func (t *CompleteTool) Description() string {
	return "Call this tool when you are done with the task, and supply your answer or summary."
}

func (t *CompleteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{
				"type":        "string",
				"description": "The answer to the question, or final summary of actions taken to accomplish the task.",
			},
		},
		"required": []string{"answer"},
	}
}

func (t *CompleteTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (Outcome, error) {
	answer := StringInput(input, "answer")
	if answer == "" {
		return Outcome{}, errors.New("Model returned empty answer")
	}
	t.stop(answer)
	return NewOutcome(TaskCompleted).WithSummary(TaskCompleted), nil
}

// ReturnControlToUserTool hands the conversation back to the operator in
// interactive sessions.
type ReturnControlToUserTool struct {
	completionState
}

// NewReturnControlToUserTool creates the interactive completion tool.
func NewReturnControlToUserTool() *ReturnControlToUserTool {
	return &ReturnControlToUserTool{}
}

func (t *ReturnControlToUserTool) Name() string { return "return_control_to_user" }

func (t *ReturnControlToUserTool) Description() string {
	return "Return control to the user. Use this tool when you are done with the task, " +
		"when you need to ask the user a question, or when you need the user to take an action."
}

func (t *ReturnControlToUserTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

func (t *ReturnControlToUserTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (Outcome, error) {
	t.stop(TaskCompleted)
	return NewOutcome(TaskCompleted).WithSummary(TaskCompleted), nil
}
