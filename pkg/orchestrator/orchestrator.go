// Package orchestrator drives one session's conversation: it asks the model
// for the next step, runs the requested tool and repeats until the model
// answers, the completion tool stops the run, the operator interrupts it or
// the turn limit is reached.
package orchestrator

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same loop is active.
var ErrRunInProgress = errors.New("orchestrator: a run is already in progress")

// Messages recorded when a run ends without a model answer.
const (
	AgentInterruptMessage       = "Agent interrupted by user."
	AgentInterruptModelResponse = "Agent interrupted by user. You can resume by providing a new instruction."
	ToolInterruptMessage        = "Tool execution interrupted by user."
	ToolInterruptModelResponse  = "Tool execution interrupted by user. You can resume by providing a new instruction."
	TaskCompletedMessage        = "Task completed"
	MaxTurnsMessage             = "Agent did not complete after max turns"
)

const (
	defaultMaxTurns  = 200
	defaultMaxTokens = 8192
)

// State is the lifecycle position of an AgentLoop.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateExecutingTool
	StateInterrupted
	StateCompleted
	StateMaxTurnsExceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTool:
		return "executing_tool"
	case StateInterrupted:
		return "interrupted"
	case StateCompleted:
		return "completed"
	case StateMaxTurnsExceeded:
		return "max_turns_exceeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateInterrupted, StateCompleted, StateMaxTurnsExceeded, StateFailed:
		return true
	}
	return false
}

// Config holds the per-session settings of an AgentLoop.
type Config struct {
	// MaxTurns limits model calls per run. Default: 200
	MaxTurns int

	// MaxTokens caps each model reply. Default: 8192
	MaxTokens int

	// Temperature is passed through when set.
	Temperature *float64

	// SystemPrompt is prepended to the workspace instructions.
	SystemPrompt string

	// WorkDir is searched for AGENT.md, AGENTS.md or CLAUDE.md.
	WorkDir string
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxTurns:  defaultMaxTurns,
		MaxTokens: defaultMaxTokens,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaultMaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return c
}

// Result is how a run ended.
type Result struct {
	// Status is the terminal state of the run.
	Status State

	// Message is the model's answer, or one of the messages above.
	Message string

	// Stats counts the work done during the run.
	Stats Stats
}
