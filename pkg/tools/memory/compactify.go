// Package memory provides tools that let the agent manage what it remembers.
package memory

import (
	"context"
	"fmt"

	"agent_runtime/pkg/contextmgr"
	"agent_runtime/pkg/history"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/tools"
)

const (
	compactedMessage = "Memory compactified."
	noHistoryMessage = "Message history is required to compactify memory."
)

// CompactifyTool shrinks the live conversation through a context manager and
// commits the result.
type CompactifyTool struct {
	manager contextmgr.ContextManager
}

// NewCompactifyTool returns a tool that compacts with manager.
func NewCompactifyTool(manager contextmgr.ContextManager) *CompactifyTool {
	return &CompactifyTool{manager: manager}
}

func (t *CompactifyTool) Name() string { return "compactify_memory" }

func (t *CompactifyTool) Description() string {
	return "Compactifies the conversation memory by summarizing or dropping older turns. " +
		"Use this when the conversation is getting long and older details are no longer needed."
}

func (t *CompactifyTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

func (t *CompactifyTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	if hist == nil {
		return tools.NewErrorOutcomef(noHistoryMessage), nil
	}

	// The pending call to this tool is still unanswered, so the raw turns are
	// used: the loop appends its result after the swap.
	before := hist.Turns()
	after := t.manager.ApplyTruncation(ctx, before)
	if err := hist.SetTurns(after); err != nil {
		return tools.Outcome{}, fmt.Errorf("commit compacted history: %w", err)
	}

	logging.FromContext(ctx).Info("memory compactified", "turns_before", len(before), "turns_after", len(after))
	return tools.NewOutcome(compactedMessage).WithSummary(compactedMessage), nil
}
