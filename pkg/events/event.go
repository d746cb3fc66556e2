// Package events carries what a running agent does to whoever is watching:
// an in-process FIFO sink, a forwarder draining it, and the handlers that
// publish or persist each event.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event kind. It is also the last token of the NATS subject.
type Type string

const (
	TypeUserMessage      Type = "user_message"
	TypeProcessing       Type = "processing"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeAgentResponse    Type = "agent_response"
	TypeAgentCancelled   Type = "agent_cancelled"
	TypeError            Type = "error"
	TypeSystem           Type = "system"
	TypeHistoryTruncated Type = "history_truncated"
	TypeOperatorCommand  Type = "operator_command"
)

// Event is one observable step of a session.
type Event struct {
	ID        string         `cbor:"id" json:"id"`
	SessionID string         `cbor:"session_id" json:"session_id"`
	Type      Type           `cbor:"type" json:"type"`
	Content   map[string]any `cbor:"content" json:"content"`
	Time      time.Time      `cbor:"time" json:"time"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type, content map[string]any) Event {
	if content == nil {
		content = map[string]any{}
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Content: content,
		Time:    time.Now().UTC(),
	}
}

// String reads a string field of the event content.
func (e Event) String(key string) string {
	s, _ := e.Content[key].(string)
	return s
}

func UserMessage(text string) Event {
	return New(TypeUserMessage, map[string]any{"text": text})
}

func Processing() Event {
	return New(TypeProcessing, nil)
}

func ToolCall(callID, name string, input map[string]any) Event {
	if input == nil {
		input = map[string]any{}
	}
	return New(TypeToolCall, map[string]any{
		"tool_call_id": callID,
		"tool_name":    name,
		"tool_input":   input,
	})
}

func ToolResult(callID, name, result string, isError bool) Event {
	return New(TypeToolResult, map[string]any{
		"tool_call_id": callID,
		"tool_name":    name,
		"result":       result,
		"is_error":     isError,
	})
}

// With returns e with key set in its content.
func (e Event) With(key string, value any) Event {
	content := make(map[string]any, len(e.Content)+1)
	for k, v := range e.Content {
		content[k] = v
	}
	content[key] = value
	e.Content = content
	return e
}

func AgentResponse(text string) Event {
	return New(TypeAgentResponse, map[string]any{"text": text})
}

func AgentCancelled() Event {
	return New(TypeAgentCancelled, nil)
}

func Error(message string) Event {
	return New(TypeError, map[string]any{"message": message})
}

func System(message string) Event {
	return New(TypeSystem, map[string]any{"message": message})
}

func HistoryTruncated() Event {
	return New(TypeHistoryTruncated, nil)
}

func OperatorCommand(commandID, command string, args map[string]any) Event {
	if args == nil {
		args = map[string]any{}
	}
	return New(TypeOperatorCommand, map[string]any{
		"command_id": commandID,
		"command":    command,
		"args":       args,
	})
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
