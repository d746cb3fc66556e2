// Package session wires one agent per operator session: its workspace,
// conversation, tools, event stream and worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent_runtime/internal/service/queue"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/mcp"
	"agent_runtime/pkg/orchestrator"
	"agent_runtime/pkg/pending"
	"agent_runtime/pkg/tools"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBusy is returned when a request arrives while the agent is working.
	ErrBusy = errors.New("session is busy")

	// ErrNothingToResume is returned when there is no unfinished request.
	ErrNothingToResume = errors.New("nothing to resume")

	// ErrNoStore is returned for history queries when persistence is off.
	ErrNoStore = errors.New("event store is not configured")
)

// Session is one live agent with its own workspace.
type Session struct {
	ID           string
	WorkspaceDir string
	CreatedAt    time.Time

	loop      *orchestrator.AgentLoop
	workspace *tools.ToolContext
	sink      *events.Sink
	forwarder *events.Forwarder
	pending   *pending.Table
	queue     *queue.Queue
	servers   []*mcp.Server
	log       *logging.Logger
}

// Loop returns the session's agent loop.
func (s *Session) Loop() *orchestrator.AgentLoop {
	return s.loop
}

// Busy reports whether a run is queued or active.
func (s *Session) Busy() bool {
	return s.queue.Busy() || s.loop.Running()
}

// State returns the agent's lifecycle state.
func (s *Session) State() orchestrator.State {
	return s.loop.State()
}

// Emit sends an event to the session's operators.
func (s *Session) Emit(e events.Event) {
	s.sink.Emit(e)
}

func (s *Session) handle(ctx context.Context, job queue.Job) error {
	ctx = s.log.WithContext(ctx)

	var (
		res orchestrator.Result
		err error
	)
	switch job.Kind {
	case queue.KindQuery:
		s.sink.Emit(events.UserMessage(job.Instruction))
		s.sink.Emit(events.Processing())
		res, err = s.loop.Run(ctx, job.Instruction, job.Files, false)
	case queue.KindResume:
		s.sink.Emit(events.Processing())
		res, err = s.loop.Run(ctx, job.Instruction, job.Files, true)
	case queue.KindEdit:
		s.sink.Emit(events.HistoryTruncated())
		s.sink.Emit(events.UserMessage(job.Instruction))
		s.sink.Emit(events.Processing())
		res, err = s.loop.Edit(ctx, job.Instruction, job.Files)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s job: %w", job.Kind, err)
	}
	s.log.Info("run finished", "kind", job.Kind, "status", res.Status.String(),
		"turns", res.Stats.Turns, "tool_calls", len(res.Stats.ToolCalls),
		"input_tokens", res.Stats.InputTokens, "output_tokens", res.Stats.OutputTokens)
	return nil
}

// canResume reports whether the conversation ends with an unanswered request.
func (s *Session) canResume() bool {
	last, ok := s.loop.History().Last()
	return ok && last.Role == llm.RoleUser
}

// close stops the worker, drains the event stream and disconnects MCP servers.
func (s *Session) close(ctx context.Context) {
	s.loop.Cancel()
	s.queue.Stop()
	s.sink.Close()
	select {
	case <-s.forwarder.Done():
	case <-ctx.Done():
		s.log.Warn("event forwarder did not drain before shutdown")
	}
	for _, srv := range s.servers {
		if err := srv.Close(); err != nil {
			s.log.Warn("closing mcp server", "mcp_server", srv.Name(), "error", err)
		}
	}
}
