package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/tokencount"
)

// text returns a string costing exactly n tokens.
func text(n int) string {
	return strings.Repeat("x", n*3)
}

// chat builds U0 followed by pairs (A_i, U_i); every turn costs 10 tokens.
func chat(pairs int) []llm.Turn {
	turns := []llm.Turn{llm.UserTurn(llm.TextPrompt{Text: "U0" + text(10)[2:]})}
	for i := 1; i <= pairs; i++ {
		turns = append(turns,
			llm.AssistantTurn(llm.TextResult{Text: fmt.Sprintf("A%d", i) + text(10)[2:]}),
			llm.UserTurn(llm.TextPrompt{Text: fmt.Sprintf("U%d", i) + text(10)[2:]}),
		)
	}
	return turns
}

func label(t llm.Turn) string {
	return t.Text()[:2]
}

func labels(turns []llm.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = label(t)
	}
	return out
}

func TestAmortizedWithinBudgetIsUnchanged(t *testing.T) {
	turns := chat(3)
	m := NewAmortizedForgetting(Config{TokenBudget: 1000, RetainPrefixTurns: 1})
	assert.Equal(t, turns, m.ApplyTruncation(context.Background(), turns))
}

func TestAmortizedTrimsToTarget(t *testing.T) {
	turns := chat(9)
	require.Equal(t, 190, tokencount.Turns(turns))

	m := NewAmortizedForgetting(Config{TokenBudget: 100, RetainPrefixTurns: 1})
	out := m.ApplyTruncation(context.Background(), turns)

	assert.Equal(t, []string{"U0", "A8", "U8", "A9", "U9"}, labels(out))
	assert.LessOrEqual(t, tokencount.Turns(out), 50)
	assert.NoError(t, history.Validate(out))
	assert.Len(t, turns, 19, "input must not be modified")
}

func TestAmortizedExplicitTarget(t *testing.T) {
	m := NewAmortizedForgetting(Config{TokenBudget: 100, TargetTokens: 90, RetainPrefixTurns: 1})
	out := m.ApplyTruncation(context.Background(), chat(9))
	assert.Equal(t, 90, tokencount.Turns(out))
	assert.Equal(t, "U0", label(out[0]))
	assert.Equal(t, "A6", label(out[1]))
}

func TestAmortizedKeepsRetainedToolPair(t *testing.T) {
	turns := []llm.Turn{
		llm.UserTurn(llm.TextPrompt{Text: text(10)}),
		llm.AssistantTurn(llm.ToolCall{ID: "c1", Name: "read_file"}),
		llm.UserTurn(llm.ToolResult{CallID: "c1", Name: "read_file", Output: text(10)}),
		llm.AssistantTurn(llm.TextResult{Text: text(10)}),
		llm.UserTurn(llm.TextPrompt{Text: text(10)}),
		llm.AssistantTurn(llm.TextResult{Text: text(10)}),
		llm.UserTurn(llm.TextPrompt{Text: "last"}),
	}
	m := NewAmortizedForgetting(Config{TokenBudget: 30, RetainPrefixTurns: 2})
	out := m.ApplyTruncation(context.Background(), turns)

	require.Len(t, out, 5)
	assert.True(t, out[1].HasToolCall())
	assert.True(t, out[2].HasToolResult())
	assert.Equal(t, "last", out[4].Text())
	assert.NoError(t, history.Validate(out))
}

func TestAmortizedNeverOrphansToolResult(t *testing.T) {
	turns := []llm.Turn{
		llm.UserTurn(llm.TextPrompt{Text: text(10)}),
		llm.AssistantTurn(llm.ToolCall{ID: "c0", Name: "bash"}),
		llm.UserTurn(llm.ToolResult{CallID: "c0", Name: "bash", Output: text(10)}),
		llm.AssistantTurn(llm.TextResult{Text: text(10)}),
		llm.UserTurn(llm.TextPrompt{Text: "next"}),
		llm.AssistantTurn(llm.TextResult{Text: text(10)}),
		llm.UserTurn(llm.TextPrompt{Text: "last"}),
	}
	m := NewAmortizedForgetting(Config{TokenBudget: 20, TargetTokens: 20, RetainPrefixTurns: 0})
	out := m.ApplyTruncation(context.Background(), turns)

	require.NotEmpty(t, out)
	assert.Equal(t, "next", out[0].Text())
	assert.NoError(t, history.Validate(out))
	for _, turn := range out {
		assert.False(t, turn.HasToolResult(), "a tool result survived without its call")
	}
}

func TestAmortizedBestEffort(t *testing.T) {
	turns := []llm.Turn{
		llm.UserTurn(llm.TextPrompt{Text: text(100)}),
		llm.AssistantTurn(llm.TextResult{Text: text(1)}),
		llm.UserTurn(llm.TextPrompt{Text: text(1)}),
		llm.AssistantTurn(llm.TextResult{Text: text(1)}),
		llm.UserTurn(llm.TextPrompt{Text: text(100)}),
	}
	m := NewAmortizedForgetting(Config{TokenBudget: 50, RetainPrefixTurns: 1})
	out := m.ApplyTruncation(context.Background(), turns)

	assert.Len(t, out, 3)
	assert.Equal(t, turns[4], out[2], "the most recent user turn is always kept")
	assert.NoError(t, history.Validate(out))
}

func TestAmortizedNothingRemovable(t *testing.T) {
	turns := []llm.Turn{llm.UserTurn(llm.TextPrompt{Text: text(500)})}
	m := NewAmortizedForgetting(Config{TokenBudget: 10, RetainPrefixTurns: 1})
	assert.Equal(t, turns, m.ApplyTruncation(context.Background(), turns))
}

func TestAmortizedIsDeterministic(t *testing.T) {
	m := NewAmortizedForgetting(Config{TokenBudget: 70, RetainPrefixTurns: 1})
	a := m.ApplyTruncation(context.Background(), chat(12))
	b := m.ApplyTruncation(context.Background(), chat(12))
	assert.Equal(t, a, b)
}

func TestAmortizedBudgetProperty(t *testing.T) {
	for pairs := 3; pairs <= 20; pairs++ {
		turns := chat(pairs)
		m := NewAmortizedForgetting(Config{TokenBudget: 60, RetainPrefixTurns: 1})
		out := m.ApplyTruncation(context.Background(), turns)

		require.NoError(t, history.Validate(out), "pairs=%d", pairs)
		assert.LessOrEqual(t, tokencount.Turns(out), 30, "pairs=%d", pairs)
		assert.Equal(t, turns[len(turns)-1], out[len(out)-1], "pairs=%d", pairs)
	}
}

func TestSummarizingReplacesDroppedTurns(t *testing.T) {
	var got llm.GenerateRequest
	client := llm.ModelClientFunc(func(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
		got = req
		return llm.GenerateResponse{Blocks: []llm.ContentBlock{llm.TextResult{Text: "they talked"}}}, nil
	})

	m := NewLLMSummarizing(Config{TokenBudget: 100, RetainPrefixTurns: 1}, client)
	out := m.ApplyTruncation(context.Background(), chat(9))

	require.Len(t, out, 5)
	assert.NoError(t, history.Validate(out))
	assert.Equal(t, llm.RoleAssistant, out[1].Role)
	require.Len(t, out[1].Blocks, 2)
	summary, ok := out[1].Blocks[0].(llm.TextResult)
	require.True(t, ok)
	assert.Equal(t, "Conversation summary: they talked", summary.Text)
	assert.Equal(t, "A8", out[1].Blocks[1].(llm.TextResult).Text[:2])

	assert.Equal(t, summaryPrompt, got.System)
	require.Len(t, got.Turns, 1)
	prompt := got.Turns[0].Text()
	assert.Contains(t, prompt, "--- Turn 1 (Assistant) ---\nA1")
	assert.NotContains(t, prompt, "A8")
}

func TestSummarizingFoldsIntoUserTurn(t *testing.T) {
	client := llm.ModelClientFunc(func(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
		return llm.GenerateResponse{Blocks: []llm.ContentBlock{llm.TextResult{Text: "s"}}}, nil
	})
	m := NewLLMSummarizing(Config{TokenBudget: 100, RetainPrefixTurns: 0}, client)
	out := m.ApplyTruncation(context.Background(), chat(9))

	assert.NoError(t, history.Validate(out))
	assert.Equal(t, llm.RoleUser, out[0].Role)
	_, ok := out[0].Blocks[0].(llm.TextPrompt)
	assert.True(t, ok)
}

func TestSummarizingFallsBackOnError(t *testing.T) {
	failing := llm.ModelClientFunc(func(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
		return llm.GenerateResponse{}, &llm.ProviderError{Provider: "test", Kind: llm.ErrorConnection, Err: errors.New("down")}
	})
	empty := llm.ModelClientFunc(func(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
		return llm.GenerateResponse{}, nil
	})

	for name, client := range map[string]llm.ModelClient{"error": failing, "empty": empty} {
		t.Run(name, func(t *testing.T) {
			for pairs := 3; pairs <= 20; pairs++ {
				cfg := Config{TokenBudget: 60, RetainPrefixTurns: 1}
				turns := chat(pairs)
				got := NewLLMSummarizing(cfg, client).ApplyTruncation(context.Background(), turns)
				want := NewAmortizedForgetting(cfg).ApplyTruncation(context.Background(), turns)

				assert.Equal(t, want, got)
				assert.LessOrEqual(t, tokencount.Turns(got), 30)
			}
		})
	}
}

func TestSummarizingSkipsCallWithinBudget(t *testing.T) {
	called := false
	client := llm.ModelClientFunc(func(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
		called = true
		return llm.GenerateResponse{}, nil
	})
	turns := chat(2)
	out := NewLLMSummarizing(Config{TokenBudget: 1000}, client).ApplyTruncation(context.Background(), turns)
	assert.Equal(t, turns, out)
	assert.False(t, called)
}
