// Package contextmgr keeps a conversation under a token budget.
//
// Both strategies remove one contiguous run of whole turns from the middle of
// the conversation. The run starts after a retained prefix, has even length
// so roles keep alternating, never separates a tool call from its result and
// never reaches the most recent user turn.
package contextmgr

import (
	"context"

	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/tokencount"
)

// ContextManager returns a budget-compliant view of a conversation. The input
// slice is never modified.
type ContextManager interface {
	ApplyTruncation(ctx context.Context, turns []llm.Turn) []llm.Turn
}

// Config holds the budget settings shared by all strategies.
type Config struct {
	// TokenBudget triggers truncation when exceeded.
	TokenBudget int

	// TargetTokens is what truncation trims down to. Zero means half the budget.
	TargetTokens int

	// RetainPrefixTurns is the number of leading turns that are never removed.
	RetainPrefixTurns int
}

// DefaultConfig keeps the first user instruction and truncates at 120k tokens.
func DefaultConfig() Config {
	return Config{
		TokenBudget:       120_000,
		RetainPrefixTurns: 1,
	}
}

func (c Config) target() int {
	if c.TargetTokens > 0 && c.TargetTokens <= c.TokenBudget {
		return c.TargetTokens
	}
	return c.TokenBudget / 2
}

// span is the half-open range of turns chosen for removal.
type span struct {
	start, end int
}

// selectSpan picks the turns to drop. It returns false when the conversation
// is within budget or nothing can be removed without breaking an invariant.
func selectSpan(cfg Config, turns []llm.Turn) (span, bool) {
	total := tokencount.Turns(turns)
	if total <= cfg.TokenBudget {
		return span{}, false
	}

	n := len(turns)
	start := cfg.RetainPrefixTurns
	if start < 0 {
		start = 0
	}
	// A retained tool call keeps its result.
	if start > 0 && start < n && turns[start-1].Role == llm.RoleAssistant && turns[start-1].HasToolCall() {
		start++
	}

	lastUser := -1
	for i := n - 1; i >= 0; i-- {
		if turns[i].Role == llm.RoleUser {
			lastUser = i
			break
		}
	}

	target := cfg.target()
	remaining := total
	best := span{}
	found := false
	for end := start + 2; end <= lastUser; end += 2 {
		remaining -= tokencount.Turn(turns[end-2]) + tokencount.Turn(turns[end-1])
		if turns[end].Role == llm.RoleUser && turns[end].HasToolResult() {
			continue
		}
		best = span{start: start, end: end}
		found = true
		if remaining <= target {
			break
		}
	}
	return best, found
}

func without(turns []llm.Turn, s span) []llm.Turn {
	out := make([]llm.Turn, 0, len(turns)-(s.end-s.start))
	out = append(out, llm.CloneTurns(turns[:s.start])...)
	out = append(out, llm.CloneTurns(turns[s.end:])...)
	return out
}
