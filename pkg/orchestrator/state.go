package orchestrator

import (
	"agent_runtime/pkg/llm"
)

// Stats tracks the work done during one run.
type Stats struct {
	// Turns is the number of model calls made.
	Turns int

	// InputTokens tracks cumulative input tokens.
	InputTokens int

	// OutputTokens tracks cumulative output tokens.
	OutputTokens int

	// ToolCalls records every dispatched tool call.
	ToolCalls []ToolCallRecord
}

// ToolCallRecord records a single tool call and how it ended.
type ToolCallRecord struct {
	ID      string
	Name    string
	Input   map[string]any
	IsError bool
}

// IncrementTurn counts one model call.
func (s *Stats) IncrementTurn() {
	s.Turns++
}

// UpdateUsage adds the token usage of one reply.
func (s *Stats) UpdateUsage(usage llm.Usage) {
	s.InputTokens += usage.InputTokens
	s.OutputTokens += usage.OutputTokens
}

// AddToolCall records a dispatched call.
func (s *Stats) AddToolCall(call llm.ToolCall, isError bool) {
	s.ToolCalls = append(s.ToolCalls, ToolCallRecord{
		ID:      call.ID,
		Name:    call.Name,
		Input:   call.Input,
		IsError: isError,
	})
}

// callIDs hands out tool call ids that are unique within a conversation.
// Some providers return empty ids or reuse them across replies, which breaks
// call/result pairing.
type callIDs struct {
	seen map[string]bool
}

func newCallIDs() *callIDs {
	return &callIDs{seen: make(map[string]bool)}
}

// observe marks the ids already present in turns as taken.
func (c *callIDs) observe(turns []llm.Turn) {
	for _, t := range turns {
		for _, call := range t.ToolCalls() {
			c.seen[call.ID] = true
		}
	}
}

// fix returns id, or a fresh one when id is empty or taken.
func (c *callIDs) fix(id string, gen func() string) (string, bool) {
	if id != "" && !c.seen[id] {
		c.seen[id] = true
		return id, false
	}
	fresh := gen()
	for c.seen[fresh] {
		fresh = gen()
	}
	c.seen[fresh] = true
	return fresh, true
}
