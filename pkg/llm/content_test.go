package llm

import "testing"

func TestTurnAccessors(t *testing.T) {
	turn := AssistantTurn(
		TextResult{Text: "Hello"},
		ToolCall{ID: "1", Name: "test"},
		TextResult{Text: "World"},
	)

	if got := turn.Text(); got != "Hello\nWorld" {
		t.Errorf("Text() = %q, want Hello\\nWorld", got)
	}
	if !turn.HasToolCall() {
		t.Error("HasToolCall() = false, want true")
	}
	if turn.HasToolResult() || turn.HasPrompt() {
		t.Error("assistant turn reported tool result or prompt")
	}
	if calls := turn.ToolCalls(); len(calls) != 1 || calls[0].ID != "1" {
		t.Errorf("ToolCalls() = %+v", calls)
	}
}

func TestToolResultText(t *testing.T) {
	plain := ToolResult{Output: "ok"}
	if plain.Text() != "ok" {
		t.Errorf("Text() = %q, want ok", plain.Text())
	}

	multi := ToolResult{
		Output: "ignored",
		Parts:  []ContentPart{TextPart("a"), ImagePart("image/png", "AAAA"), TextPart("b")},
	}
	if multi.Text() != "a\nb" {
		t.Errorf("Text() = %q, want a\\nb", multi.Text())
	}
}

func TestCloneTurnsIsIndependent(t *testing.T) {
	orig := []Turn{UserTurn(TextPrompt{Text: "hi"})}
	cp := CloneTurns(orig)
	cp[0].Blocks[0] = TextPrompt{Text: "changed"}

	if orig[0].Text() != "hi" {
		t.Errorf("original mutated: %q", orig[0].Text())
	}
}

func TestBlockTypes(t *testing.T) {
	tests := []struct {
		block ContentBlock
		want  BlockType
	}{
		{TextPrompt{}, BlockTextPrompt},
		{TextResult{}, BlockTextResult},
		{ToolCall{}, BlockToolCall},
		{ToolResult{}, BlockToolResult},
		{ImageBlock{}, BlockImage},
	}
	for _, tt := range tests {
		if got := tt.block.Type(); got != tt.want {
			t.Errorf("%T.Type() = %s, want %s", tt.block, got, tt.want)
		}
	}
}
