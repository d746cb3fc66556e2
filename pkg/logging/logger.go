// Package logging provides structured logging with agent run tracking.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

type contextKey struct{}

// Logger wraps slog.Logger with run and step bookkeeping.
type Logger struct {
	*slog.Logger
	run       string
	startTime time.Time
	stepNum   int
}

// RunError is an error raised inside a numbered step of an agent run.
type RunError struct {
	Run     string
	Step    string
	StepNum int
	Op      string
	Err     error
	Stack   string
}

func (e *RunError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s] step %d (%s) %s: %v", e.Run, e.StepNum, e.Step, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] step %d (%s): %v", e.Run, e.StepNum, e.Step, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Format implements fmt.Formatter; %+v appends the captured stack.
func (e *RunError) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s\n\nStack trace:\n%s", e.Error(), e.Stack)
			return
		}
		fallthrough
	default:
		fmt.Fprint(f, e.Error())
	}
}

// New creates a Logger writing to stdout.
func New(jsonFormat bool) *Logger {
	return NewWithWriter(os.Stdout, jsonFormat)
}

// NewWithWriter creates a Logger writing to w at debug level.
func NewWithWriter(w io.Writer, jsonFormat bool) *Logger {
	return NewWithLevel(w, jsonFormat, slog.LevelDebug)
}

// NewWithLevel creates a Logger writing records at or above level to w.
func NewWithLevel(w io.Writer, jsonFormat bool, level slog.Leveler) *Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{Key: "ts", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.000"))}
			}
			return a
		},
	}
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Default returns the default logger.
func Default() *Logger {
	return New(false)
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		run:       l.run,
		startTime: l.startTime,
		stepNum:   l.stepNum,
	}
}

// WithContext returns a new context with the logger attached.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext retrieves the logger from context, or returns default logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return l
	}
	return Default()
}

// StartRun creates a logger scoped to one agent run.
func (l *Logger) StartRun(name string, attrs ...any) *Logger {
	newLogger := &Logger{
		Logger:    l.Logger.With(append([]any{"run", name}, attrs...)...),
		run:       name,
		startTime: time.Now(),
	}
	newLogger.Info("run started")
	return newLogger
}

// Step logs a run step and returns a function to log step completion.
func (l *Logger) Step(stepName string, attrs ...any) func(error) {
	l.stepNum++
	stepStart := time.Now()
	stepLogger := l.With(append([]any{"step", stepName, "step_num", l.stepNum}, attrs...)...)
	stepLogger.Debug("step started")

	return func(err error) {
		elapsed := time.Since(stepStart)
		if err != nil {
			stepLogger.Error("step failed",
				"error", err.Error(),
				"elapsed_ms", elapsed.Milliseconds(),
			)
		} else {
			stepLogger.Debug("step completed",
				"elapsed_ms", elapsed.Milliseconds(),
			)
		}
	}
}

// EndRun logs run completion.
func (l *Logger) EndRun(status string, err error) {
	elapsed := time.Since(l.startTime)
	if err != nil {
		l.Error("run failed",
			"status", status,
			"error", err.Error(),
			"elapsed_ms", elapsed.Milliseconds(),
			"total_steps", l.stepNum,
		)
		return
	}
	l.Info("run finished",
		"status", status,
		"elapsed_ms", elapsed.Milliseconds(),
		"total_steps", l.stepNum,
	)
}

// WrapError wraps an error with run context and stack trace.
func (l *Logger) WrapError(step, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RunError{
		Run:     l.run,
		Step:    step,
		StepNum: l.stepNum,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

func captureStack(skip int) string {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.File, "runtime/") {
			if !more {
				break
			}
			continue
		}
		fmt.Fprintf(&sb, "  %s\n    %s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
