package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_runtime/pkg/contextmgr"
	"agent_runtime/pkg/history"
	"agent_runtime/pkg/llm"
)

type recordingManager struct {
	seen   []llm.Turn
	result func([]llm.Turn) []llm.Turn
}

func (m *recordingManager) ApplyTruncation(ctx context.Context, turns []llm.Turn) []llm.Turn {
	m.seen = turns
	return m.result(turns)
}

func TestCompactifyCommitsManagerResult(t *testing.T) {
	hist := history.New()
	require.NoError(t, hist.AddUserPrompt("first", nil))
	require.NoError(t, hist.AddAssistantTurn(llm.TextResult{Text: "a1"}))
	require.NoError(t, hist.AddUserPrompt("second", nil))
	require.NoError(t, hist.AddAssistantTurn(llm.ToolCall{ID: "c1", Name: "compactify_memory", Input: map[string]any{}}))

	mgr := &recordingManager{result: func(turns []llm.Turn) []llm.Turn {
		return []llm.Turn{turns[0], turns[3]}
	}}
	out, err := NewCompactifyTool(mgr).Run(context.Background(), map[string]any{}, hist)
	require.NoError(t, err)
	assert.False(t, out.IsError)
	assert.Equal(t, "Memory compactified.", out.Content)
	assert.Len(t, mgr.seen, 4)

	turns := hist.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Text())

	// The loop can still answer the pending call.
	require.NoError(t, hist.AddUserTurn(llm.ToolResult{CallID: "c1", Name: "compactify_memory", Output: out.Content}))
}

func TestCompactifyWithoutHistory(t *testing.T) {
	mgr := &recordingManager{result: func(turns []llm.Turn) []llm.Turn { return turns }}
	out, err := NewCompactifyTool(mgr).Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, "Message history is required to compactify memory.", out.Content)
	assert.Nil(t, mgr.seen)
}

func TestCompactifyUnchangedHistory(t *testing.T) {
	hist := history.New()
	require.NoError(t, hist.AddUserPrompt("short", nil))

	tool := NewCompactifyTool(contextmgr.NewAmortizedForgetting(contextmgr.DefaultConfig()))
	out, err := tool.Run(context.Background(), nil, hist)
	require.NoError(t, err)
	assert.Equal(t, "Memory compactified.", out.Content)
	assert.Equal(t, 1, hist.Len())
}

func TestCompactifyRejectsBrokenResult(t *testing.T) {
	hist := history.New()
	require.NoError(t, hist.AddUserPrompt("q", nil))
	require.NoError(t, hist.AddAssistantTurn(llm.TextResult{Text: "a"}))

	mgr := &recordingManager{result: func(turns []llm.Turn) []llm.Turn { return turns[1:] }}
	_, err := NewCompactifyTool(mgr).Run(context.Background(), nil, hist)
	require.Error(t, err)
	assert.Equal(t, 2, hist.Len())
}

func run(t *testing.T, tool *SimpleMemoryTool, input map[string]any) string {
	t.Helper()
	out, err := tool.Run(context.Background(), input, nil)
	require.NoError(t, err)
	return out.Content
}

func TestSimpleMemoryReadWrite(t *testing.T) {
	tool := NewSimpleMemoryTool()

	assert.Equal(t, "", run(t, tool, map[string]any{"action": "read"}))
	assert.Equal(t, "Memory updated successfully.", run(t, tool, map[string]any{"action": "write", "content": "Old content."}))
	assert.Equal(t, "Old content.", run(t, tool, map[string]any{"action": "read"}))

	msg := run(t, tool, map[string]any{"action": "write", "content": "Fresh content."})
	assert.Contains(t, msg, "Warning: Overwriting existing content.")
	assert.Contains(t, msg, "Previous content was:\nOld content.")
	assert.Equal(t, "Fresh content.", tool.Memory())

	msg = run(t, tool, map[string]any{"action": "write"})
	assert.Contains(t, msg, "Warning: Overwriting existing content.")
	assert.Equal(t, "", tool.Memory())
}

func TestSimpleMemoryEdit(t *testing.T) {
	tests := []struct {
		name       string
		memory     string
		input      map[string]any
		wantOutput string
		wantMemory string
	}{
		{
			name:       "unique match",
			memory:     "The quick brown fox.",
			input:      map[string]any{"action": "edit", "old_string": "brown", "new_string": "red"},
			wantOutput: "Edited memory: 1 occurrence replaced.",
			wantMemory: "The quick red fox.",
		},
		{
			name:       "not found",
			memory:     "Hello world.",
			input:      map[string]any{"action": "edit", "old_string": "galaxy", "new_string": "universe"},
			wantOutput: "Error: 'galaxy' not found in memory.",
			wantMemory: "Hello world.",
		},
		{
			name:       "missing new string deletes",
			memory:     "Remove this word.",
			input:      map[string]any{"action": "edit", "old_string": " word"},
			wantOutput: "Edited memory: 1 occurrence replaced.",
			wantMemory: "Remove this.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := NewSimpleMemoryTool()
			tool.memory = tt.memory
			assert.Equal(t, tt.wantOutput, run(t, tool, tt.input))
			assert.Equal(t, tt.wantMemory, tool.Memory())
		})
	}
}

func TestSimpleMemoryEditAmbiguous(t *testing.T) {
	tool := NewSimpleMemoryTool()
	tool.memory = "apple apple pie."
	assert.Contains(t, run(t, tool, map[string]any{"action": "edit", "old_string": "apple", "new_string": "orange"}),
		"Warning: Found 2 occurrences of 'apple'.")
	assert.Equal(t, "apple apple pie.", tool.Memory())

	tool.memory = "abc"
	assert.Contains(t, run(t, tool, map[string]any{"action": "edit", "new_string": "-"}),
		"Warning: Found 4 occurrences of ''.")
	assert.Equal(t, "abc", tool.Memory())
}

func TestSimpleMemoryUnknownAction(t *testing.T) {
	out, err := NewSimpleMemoryTool().Run(context.Background(), map[string]any{"action": "unknown_action"}, nil)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, "Error: Unknown action 'unknown_action'. Valid actions are read, write, edit.", out.Content)
}
