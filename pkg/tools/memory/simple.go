package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/tools"
)

// SimpleMemoryTool is a single scratch string the agent can read, overwrite
// and edit across turns.
type SimpleMemoryTool struct {
	mu     sync.Mutex
	memory string
}

func NewSimpleMemoryTool() *SimpleMemoryTool {
	return &SimpleMemoryTool{}
}

func (t *SimpleMemoryTool) Name() string { return "simple_memory" }

func (t *SimpleMemoryTool) Description() string {
	return "Tool for managing persistent text memory with read, write and edit operations.\n" +
		"MEMORY STORAGE GUIDANCE: store key findings, progress and decisions you will need later in the task."
}

func (t *SimpleMemoryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"read", "write", "edit"},
				"description": "The memory operation to perform",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write (for the write action)",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "String to replace (for the edit action)",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement string (for the edit action)",
			},
		},
		"required": []string{"action"},
	}
}

// Memory returns the stored text.
func (t *SimpleMemoryTool) Memory() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memory
}

func (t *SimpleMemoryTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	action := tools.StringInput(input, "action")
	switch action {
	case "read":
		return tools.NewOutcome(t.memory).WithSummary("Memory read successfully"), nil
	case "write":
		return t.write(tools.StringInput(input, "content")), nil
	case "edit":
		return t.edit(tools.StringInput(input, "old_string"), tools.StringInput(input, "new_string")), nil
	default:
		return tools.NewErrorOutcomef("Error: Unknown action '%s'. Valid actions are read, write, edit.", action), nil
	}
}

func (t *SimpleMemoryTool) write(content string) tools.Outcome {
	previous := t.memory
	t.memory = content
	if previous == "" {
		return tools.NewOutcome("Memory updated successfully.").WithSummary("Memory updated")
	}
	msg := fmt.Sprintf("Warning: Overwriting existing content. Previous content was:\n%s\n\nMemory updated successfully.", previous)
	return tools.NewOutcome(msg).WithSummary("Memory overwritten")
}

func (t *SimpleMemoryTool) edit(oldString, newString string) tools.Outcome {
	// strings.Count reports len+1 matches for an empty needle, which lands
	// in the ambiguous branch below.
	switch n := strings.Count(t.memory, oldString); {
	case n == 0:
		return tools.NewOutcome(fmt.Sprintf("Error: '%s' not found in memory.", oldString))
	case n > 1:
		return tools.NewOutcome(fmt.Sprintf(
			"Warning: Found %d occurrences of '%s'. Please confirm which occurrence to replace or use more specific context.",
			n, oldString))
	}
	t.memory = strings.Replace(t.memory, oldString, newString, 1)
	return tools.NewOutcome("Edited memory: 1 occurrence replaced.").WithSummary("Memory edited")
}
