package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
)

const summaryPrompt = `You are a conversation summarizer. Your task is to create a concise but comprehensive summary of part of an agent's conversation so the agent can continue its task without it.

Your summary MUST include:
1. **Task**: What the user asked for.
2. **Key Decisions**: Important decisions made so far.
3. **Files Touched**: Files that were read, created, or modified, with a brief note on each.
4. **Current State**: What has been accomplished.
5. **Pending Work**: What still needs to be done.
6. **Important Context**: Error messages, requirements, or facts needed to continue.

Be concise but don't omit important details.
Do NOT reproduce tool call inputs or raw outputs - just the information they established.`

const maxResultCharsForSummary = 500

// LLMSummarizing replaces the turns AmortizedForgetting would drop with a
// model-written summary. If the summarizer fails it falls back to dropping
// them outright.
type LLMSummarizing struct {
	cfg       Config
	client    llm.ModelClient
	maxTokens int
	fallback  *AmortizedForgetting
}

// NewLLMSummarizing creates the strategy. The client is only used for summaries.
func NewLLMSummarizing(cfg Config, client llm.ModelClient) *LLMSummarizing {
	return &LLMSummarizing{
		cfg:       cfg,
		client:    client,
		maxTokens: 2048,
		fallback:  NewAmortizedForgetting(cfg),
	}
}

// ApplyTruncation implements ContextManager.
func (m *LLMSummarizing) ApplyTruncation(ctx context.Context, turns []llm.Turn) []llm.Turn {
	s, ok := selectSpan(m.cfg, turns)
	if !ok {
		return turns
	}
	log := logging.FromContext(ctx).With("strategy", "summarizing")

	summary, err := m.summarize(ctx, turns[s.start:s.end])
	if err != nil {
		log.Warn("summarization failed, dropping turns instead", "error", err)
		return m.fallback.ApplyTruncation(ctx, turns)
	}

	// The summary is folded into the first kept turn so roles still alternate.
	first := turns[s.end].Clone()
	var head llm.ContentBlock
	text := "Conversation summary: " + summary
	if first.Role == llm.RoleAssistant {
		head = llm.TextResult{Text: text}
	} else {
		head = llm.TextPrompt{Text: text}
	}
	first.Blocks = append([]llm.ContentBlock{head}, first.Blocks...)

	out := make([]llm.Turn, 0, len(turns)-(s.end-s.start))
	out = append(out, llm.CloneTurns(turns[:s.start])...)
	out = append(out, first)
	out = append(out, llm.CloneTurns(turns[s.end+1:])...)

	log.Info("context summarized", "summarized_turns", s.end-s.start, "summary_chars", len(summary))
	return out
}

func (m *LLMSummarizing) summarize(ctx context.Context, turns []llm.Turn) (string, error) {
	if m.client == nil {
		return "", errors.New("no summarizer configured")
	}
	resp, err := m.client.Generate(ctx, llm.GenerateRequest{
		System:    summaryPrompt,
		MaxTokens: m.maxTokens,
		Turns: []llm.Turn{
			llm.UserTurn(llm.TextPrompt{Text: "Please summarize the following conversation:\n\n" + formatTurnsForSummary(turns)}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", errors.New("summary generation returned empty response")
	}
	return summary, nil
}

func formatTurnsForSummary(turns []llm.Turn) string {
	var sb strings.Builder
	for i, turn := range turns {
		role := "User"
		if turn.Role == llm.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&sb, "--- Turn %d (%s) ---\n", i+1, role)

		for _, block := range turn.Blocks {
			switch b := block.(type) {
			case llm.TextPrompt:
				if b.Text != "" {
					sb.WriteString(b.Text)
					sb.WriteString("\n")
				}
			case llm.TextResult:
				if b.Text != "" {
					sb.WriteString(b.Text)
					sb.WriteString("\n")
				}
			case llm.ToolCall:
				fmt.Fprintf(&sb, "[Tool Call: %s]\n", b.Name)
			case llm.ToolResult:
				content := b.Text()
				if len(content) > maxResultCharsForSummary {
					content = content[:maxResultCharsForSummary] + "... (truncated)"
				}
				if b.IsError {
					fmt.Fprintf(&sb, "[Tool Error: %s]\n", content)
				} else {
					fmt.Fprintf(&sb, "[Tool Result: %s]\n", content)
				}
			case llm.ImageBlock:
				sb.WriteString("[Image]\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
