// Package operator bridges tool calls to the operator's own machine. The
// command goes out as an event and the session waits for the operator's
// client to post the result back.
package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent_runtime/pkg/events"
	"agent_runtime/pkg/history"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/pending"
	"agent_runtime/pkg/tools"
)

// DefaultTimeout bounds how long a command waits for the operator.
const DefaultTimeout = 30 * time.Second

// Commands the operator client is expected to understand.
var Commands = []string{"show_notification", "show_save_dialog", "show_open_dialog"}

// CommandTool sends a command to the operator's client and waits for the
// reply.
type CommandTool struct {
	ws      *tools.ToolContext
	emitter events.Emitter
	pending *pending.Table
	timeout time.Duration
}

// NewCommandTool wires the tool to the session's sink and pending table.
func NewCommandTool(ws *tools.ToolContext, emitter events.Emitter, table *pending.Table) *CommandTool {
	return &CommandTool{
		ws:      ws,
		emitter: emitter,
		pending: table,
		timeout: DefaultTimeout,
	}
}

// WithTimeout overrides DefaultTimeout.
func (t *CommandTool) WithTimeout(d time.Duration) *CommandTool {
	t.timeout = d
	return t
}

func (t *CommandTool) Name() string { return "operator_command" }

func (t *CommandTool) Description() string {
	return "Interacts with the operator's desktop through their client. " +
		"Can show native notifications or file dialogs. Specify the 'command' and its 'args'."
}

func (t *CommandTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"enum":        Commands,
				"description": "The desktop command to perform.",
			},
			"args": map[string]any{
				"type":        "object",
				"description": "Parameters for the command, such as title, content or defaultPath.",
			},
		},
		"required": []string{"command", "args"},
	}
}

func (t *CommandTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	if err := t.ws.CheckOperator(); err != nil {
		return tools.NewErrorOutcome(err), nil
	}
	command := tools.StringInput(input, "command")
	if command == "" {
		return tools.NewErrorOutcomef("command is required"), nil
	}
	args, _ := input["args"].(map[string]any)

	id := t.pending.Register()
	log := logging.FromContext(ctx).With("command_id", id, "command", command)
	log.Info("sending operator command")
	t.emitter.Emit(events.OperatorCommand(id, command, args))

	result, err := t.pending.Await(ctx, id, t.timeout)
	switch {
	case errors.Is(err, pending.ErrTimeout):
		log.Warn("operator command timed out", "timeout", t.timeout)
		return tools.NewErrorOutcomef("Operator command timed out").
			WithSummary(fmt.Sprintf("Operator command '%s' timed out", command)), nil
	case err != nil:
		return tools.Outcome{}, fmt.Errorf("operator command %s: %w", command, err)
	}

	if result.IsError {
		return tools.NewErrorOutcomef("%s", result.Output).
			WithSummary(fmt.Sprintf("Operator command '%s' failed", command)), nil
	}
	return tools.NewOutcome(result.Output).
		WithSummary(fmt.Sprintf("Operator command '%s' completed", command)), nil
}
