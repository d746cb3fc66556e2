package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, false)
	ctx := l.WithContext(context.Background())

	if got := FromContext(ctx); got != l {
		t.Errorf("FromContext() returned a different logger")
	}
	if FromContext(context.Background()) == nil {
		t.Errorf("FromContext() without logger returned nil")
	}
}

func TestRunStepsAndWrapError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, true).StartRun("session-1")

	done := l.Step("generate")
	done(nil)
	done = l.Step("dispatch", "tool", "bash")
	done(errors.New("boom"))

	err := l.WrapError("dispatch", "run tool", errors.New("boom"))
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("WrapError() type = %T, want *RunError", err)
	}
	if runErr.StepNum != 2 {
		t.Errorf("StepNum = %d, want 2", runErr.StepNum)
	}
	if !strings.Contains(err.Error(), "[session-1] step 2 (dispatch) run tool: boom") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !strings.Contains(fmt.Sprintf("%+v", err), "Stack trace:") {
		t.Errorf("%%+v output is missing the stack trace")
	}

	l.EndRun("completed", nil)
	out := buf.String()
	for _, want := range []string{`"run":"session-1"`, `"msg":"step failed"`, `"msg":"run finished"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s", want)
		}
	}
}

func TestWrapErrorNil(t *testing.T) {
	if err := Discard().WrapError("s", "op", nil); err != nil {
		t.Errorf("WrapError(nil) = %v, want nil", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"loud", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewWithLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithLevel(&buf, false, slog.LevelWarn)
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}
