package contextmgr

import (
	"context"

	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/tokencount"
)

// AmortizedForgetting drops the oldest eligible turns once the budget is
// exceeded, trimming down to TargetTokens rather than just under the budget
// so that truncation happens rarely and in larger steps.
type AmortizedForgetting struct {
	cfg Config
}

// NewAmortizedForgetting creates the strategy.
func NewAmortizedForgetting(cfg Config) *AmortizedForgetting {
	return &AmortizedForgetting{cfg: cfg}
}

// ApplyTruncation implements ContextManager.
func (m *AmortizedForgetting) ApplyTruncation(ctx context.Context, turns []llm.Turn) []llm.Turn {
	s, ok := selectSpan(m.cfg, turns)
	if !ok {
		return turns
	}
	out := without(turns, s)
	logging.FromContext(ctx).Info("context truncated",
		"strategy", "amortized",
		"dropped_turns", s.end-s.start,
		"tokens_before", tokencount.Turns(turns),
		"tokens_after", tokencount.Turns(out),
		"budget", m.cfg.TokenBudget,
	)
	return out
}
