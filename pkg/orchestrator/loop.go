package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MimeLyc/agent-core-go/pkg/instructions"
	"github.com/google/uuid"

	"agent_runtime/pkg/contextmgr"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/history"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/tools"
)

const defaultSystemPrompt = "You are an autonomous agent working inside the user's workspace."

// AgentLoop runs the model/tool cycle for one session. Run is serialized;
// Cancel, State and History may be called from any goroutine.
type AgentLoop struct {
	client  llm.ModelClient
	tools   *tools.Manager
	history *history.MessageHistory
	ctxMgr  contextmgr.ContextManager
	events  events.Emitter
	cfg     Config

	interrupted atomic.Bool
	running     atomic.Bool

	mu    sync.RWMutex
	state State
}

// Option configures an AgentLoop.
type Option func(*AgentLoop)

// WithHistory shares an existing conversation with the loop.
func WithHistory(h *history.MessageHistory) Option {
	return func(l *AgentLoop) { l.history = h }
}

// WithContextManager sets the truncation strategy applied before each model call.
func WithContextManager(m contextmgr.ContextManager) Option {
	return func(l *AgentLoop) { l.ctxMgr = m }
}

// WithEmitter sets where operator events go.
func WithEmitter(e events.Emitter) Option {
	return func(l *AgentLoop) { l.events = e }
}

// WithConfig sets limits and prompt settings.
func WithConfig(cfg Config) Option {
	return func(l *AgentLoop) { l.cfg = cfg }
}

// NewAgentLoop creates a loop that asks client for each step and dispatches
// tool calls through manager.
func NewAgentLoop(client llm.ModelClient, manager *tools.Manager, opts ...Option) *AgentLoop {
	l := &AgentLoop{
		client: client,
		tools:  manager,
		events: events.Discard,
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.history == nil {
		l.history = history.New()
	}
	if l.cfg.WorkDir != "" {
		l.history.SetAttachmentDir(l.cfg.WorkDir)
	}
	if l.ctxMgr == nil {
		l.ctxMgr = contextmgr.NewAmortizedForgetting(contextmgr.DefaultConfig())
	}
	l.cfg = l.cfg.withDefaults()
	return l
}

// History returns the conversation the loop appends to.
func (l *AgentLoop) History() *history.MessageHistory {
	return l.history
}

// Tools returns the session's tool manager.
func (l *AgentLoop) Tools() *tools.Manager {
	return l.tools
}

// State returns the current lifecycle state.
func (l *AgentLoop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *AgentLoop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Running reports whether a run is active.
func (l *AgentLoop) Running() bool {
	return l.running.Load()
}

// Cancel asks the active run to stop at its next checkpoint: after the model
// replies or after the current tool returns. A cancel that arrives before a
// queued run starts applies to that run; the flag is cleared when a run ends.
func (l *AgentLoop) Cancel() {
	l.interrupted.Store(true)
}

// Reset clears the conversation and the completion tool. It fails while a
// run is active.
func (l *AgentLoop) Reset() error {
	if l.running.Load() {
		return ErrRunInProgress
	}
	l.history.Clear()
	l.interrupted.Store(false)
	l.tools.Reset()
	l.setState(StateIdle)
	return nil
}

// Edit replaces the most recent user request with instruction and runs it.
// The caller cancels any active run and waits for the loop to go idle first.
func (l *AgentLoop) Edit(ctx context.Context, instruction string, files []string) (Result, error) {
	if l.running.Load() {
		return Result{}, ErrRunInProgress
	}
	if err := l.history.TruncateToBeforeLastUserTurn(); err != nil {
		if !errors.Is(err, history.ErrNothingToTruncate) {
			return Result{}, err
		}
		logging.FromContext(ctx).Debug("nothing to edit, running as a new request")
	}
	return l.Run(ctx, instruction, files, false)
}

// Run processes instruction until the run reaches a terminal state. With
// resume set and a pending user turn at the end of the conversation, the
// loop continues that request instead of adding a new one.
func (l *AgentLoop) Run(ctx context.Context, instruction string, files []string, resume bool) (result Result, err error) {
	if !l.running.CompareAndSwap(false, true) {
		return Result{}, ErrRunInProgress
	}
	defer l.running.Store(false)
	defer l.interrupted.Store(false)

	log := logging.FromContext(ctx).StartRun("agent", "model", l.client.Name(), "resume", resume)
	ctx = log.WithContext(ctx)
	defer func() {
		log.EndRun(result.Status.String(), err)
	}()

	l.tools.Reset()

	if err := l.prepareHistory(ctx, instruction, files, resume); err != nil {
		return l.fail(ctx, Stats{}, "prepare", "add user prompt", err)
	}

	system := l.systemPrompt(ctx)
	schemas := l.tools.Schemas()
	ids := newCallIDs()
	ids.observe(l.history.Turns())

	var stats Stats
	l.setState(StateAwaitingModel)

	for stats.Turns < l.cfg.MaxTurns {
		stats.IncrementTurn()

		view := l.ctxMgr.ApplyTruncation(ctx, l.history.TurnsForModel())
		req := llm.GenerateRequest{
			Turns:       view,
			Tools:       schemas,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
			System:      system,
		}

		done := log.Step("generate", "turn", stats.Turns, "turns_sent", len(view))
		resp, err := l.client.Generate(ctx, req)
		done(err)
		if err != nil {
			return l.fail(ctx, stats, "generate", "call model", err)
		}
		stats.UpdateUsage(resp.Usage)

		if l.interrupted.Load() {
			return l.interrupt(ctx, stats, nil)
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			text := llm.JoinText(resp.Blocks)
			if err := l.history.AddAssistantTurn(llm.TextResult{Text: text}); err != nil {
				return l.fail(ctx, stats, "history", "append assistant turn", err)
			}
			l.events.Emit(events.AgentResponse(text))
			l.setState(StateCompleted)
			return Result{Status: StateCompleted, Message: text, Stats: stats}, nil
		}
		if len(calls) > 1 {
			log.Warn("model requested several tool calls, running the first", "tool_calls", len(calls))
		}

		call := calls[0]
		if id, replaced := ids.fix(call.ID, newToolCallID); replaced {
			log.Debug("replaced tool call id", "tool", call.Name, "old_id", call.ID, "new_id", id)
			call.ID = id
		}

		if err := l.history.AddAssistantTurn(assistantBlocks(resp.Blocks, call)...); err != nil {
			return l.fail(ctx, stats, "history", "append assistant turn", err)
		}
		l.events.Emit(events.ToolCall(call.ID, call.Name, call.Input))
		l.setState(StateExecutingTool)

		outcome := l.tools.Dispatch(ctx, call, l.history)
		stats.AddToolCall(call, outcome.IsError)

		if l.interrupted.Load() {
			return l.interrupt(ctx, stats, &call)
		}

		res := outcome.Result(call)
		if err := l.history.AddUserTurn(res); err != nil {
			return l.fail(ctx, stats, "history", "append tool result", err)
		}
		ev := events.ToolResult(call.ID, call.Name, res.Text(), res.IsError)
		if outcome.OperatorSummary != "" {
			ev = ev.With("summary", outcome.OperatorSummary)
		}
		l.events.Emit(ev)

		if l.tools.ShouldStop() {
			answer := l.tools.FinalAnswer()
			if answer == "" {
				answer = TaskCompletedMessage
			}
			if err := l.history.AddAssistantTurn(llm.TextResult{Text: answer}); err != nil {
				return l.fail(ctx, stats, "history", "append assistant turn", err)
			}
			l.events.Emit(events.AgentResponse(TaskCompletedMessage))
			l.setState(StateCompleted)
			return Result{Status: StateCompleted, Message: answer, Stats: stats}, nil
		}
		l.setState(StateAwaitingModel)
	}

	log.Warn("max turns reached", "max_turns", l.cfg.MaxTurns)
	if err := l.history.AddAssistantTurn(llm.TextResult{Text: MaxTurnsMessage}); err != nil {
		return l.fail(ctx, stats, "history", "append assistant turn", err)
	}
	l.events.Emit(events.AgentResponse(MaxTurnsMessage))
	l.setState(StateMaxTurnsExceeded)
	return Result{Status: StateMaxTurnsExceeded, Message: MaxTurnsMessage, Stats: stats}, nil
}

// prepareHistory appends the new request. A user turn left at the end by a
// failed run is dropped first unless the run resumes it.
func (l *AgentLoop) prepareHistory(ctx context.Context, instruction string, files []string, resume bool) error {
	last, ok := l.history.Last()
	pending := ok && last.Role == llm.RoleUser
	if resume && pending {
		return nil
	}
	if pending {
		logging.FromContext(ctx).Info("dropping unfinished request before new instruction")
		if err := l.history.TruncateToBeforeLastUserTurn(); err != nil {
			return err
		}
	}
	return l.history.AddUserPrompt(instruction, files)
}

func (l *AgentLoop) interrupt(ctx context.Context, stats Stats, call *llm.ToolCall) (Result, error) {
	defer l.interrupted.Store(false)

	message := AgentInterruptMessage
	if call != nil {
		message = ToolInterruptMessage
		res := llm.ToolResult{CallID: call.ID, Name: call.Name, Output: ToolInterruptMessage}
		if err := l.history.AddUserTurn(res); err != nil {
			return l.fail(ctx, stats, "history", "append tool result", err)
		}
		if err := l.history.AddAssistantTurn(llm.TextResult{Text: ToolInterruptModelResponse}); err != nil {
			return l.fail(ctx, stats, "history", "append assistant turn", err)
		}
	} else {
		if err := l.history.AddAssistantTurn(llm.TextResult{Text: AgentInterruptModelResponse}); err != nil {
			return l.fail(ctx, stats, "history", "append assistant turn", err)
		}
	}

	l.setState(StateInterrupted)
	l.events.Emit(events.AgentCancelled())
	return Result{Status: StateInterrupted, Message: message, Stats: stats}, nil
}

// fail ends the run in StateFailed. Operators see the cause; the caller gets
// a *logging.RunError that records the step and stack.
func (l *AgentLoop) fail(ctx context.Context, stats Stats, step, op string, err error) (Result, error) {
	l.setState(StateFailed)
	l.events.Emit(events.Error(err.Error()))
	return Result{Status: StateFailed, Stats: stats}, logging.FromContext(ctx).WrapError(step, op, err)
}

func (l *AgentLoop) systemPrompt(ctx context.Context) string {
	var workspace string
	if l.cfg.WorkDir != "" {
		loaded := instructions.Load(l.cfg.WorkDir, instructions.LoadOptions{
			CandidateFiles: []string{"AGENT.md", "AGENTS.md", "CLAUDE.md"},
			MaxBytes:       instructions.DefaultMaxBytes,
		})
		workspace = loaded.Content
	}
	prompt := buildSystemPrompt(l.cfg.SystemPrompt, workspace, l.tools.Completion().Name())
	logging.FromContext(ctx).Debug("system prompt built", "chars", len(prompt), "workspace_instructions", workspace != "")
	return prompt
}

// buildSystemPrompt combines the base prompt with workspace instructions and
// tells the model how to finish.
func buildSystemPrompt(base, workspace, completionTool string) string {
	parts := []string{}
	if strings.TrimSpace(base) != "" {
		parts = append(parts, strings.TrimSpace(base))
	} else {
		parts = append(parts, defaultSystemPrompt)
	}
	if strings.TrimSpace(workspace) != "" {
		parts = append(parts, "## Workspace Instructions\n\n"+strings.TrimSpace(workspace))
	}
	if completionTool != "" {
		parts = append(parts, fmt.Sprintf("When the task is done, call the %s tool with your final answer.", completionTool))
	}
	return strings.Join(parts, "\n\n")
}

// assistantBlocks keeps the text preceding call and call itself.
func assistantBlocks(blocks []llm.ContentBlock, call llm.ToolCall) []llm.ContentBlock {
	var out []llm.ContentBlock
	for _, b := range blocks {
		if _, ok := b.(llm.ToolCall); ok {
			break
		}
		if t, ok := b.(llm.TextResult); ok && strings.TrimSpace(t.Text) != "" {
			out = append(out, t)
		}
	}
	return append(out, call)
}

func newToolCallID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
