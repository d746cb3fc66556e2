package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/tools"
)

const (
	maxBashTimeout = 300
	maxBashOutput  = 30000
)

// BashTool runs shell commands inside the session workspace.
type BashTool struct {
	ws *tools.ToolContext
}

// NewBashTool binds the bash tool to a workspace.
func NewBashTool(ws *tools.ToolContext) *BashTool {
	return &BashTool{ws: ws}
}

func (t *BashTool) Name() string {
	return "bash"
}

func (t *BashTool) Description() string {
	return "Execute a bash command in the session workspace. Use this for running scripts, " +
		"inspecting the environment, or any shell operation. Output longer than 30000 characters is cut."
}

func (t *BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The bash command to execute",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default: workspace setting, max: 300)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	if err := t.ws.CheckBash(); err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	command := tools.StringInput(input, "command")
	if command == "" {
		return tools.NewErrorOutcomef("command is required"), nil
	}
	if err := validateCommand(command); err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	timeout := clampTimeout(tools.IntInput(input, "timeout", t.ws.BashTimeout))

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = t.ws.WorkDir
	cmd.Env = buildEnv(t.ws)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := combineOutput(stdout.String(), stderr.String())
	summary := fmt.Sprintf("Ran `%s`", firstLine(command))

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return tools.NewErrorOutcomef("Command timed out after %d seconds\n%s", timeout, output).
				WithSummary(summary), nil
		}
		return tools.NewErrorOutcomef("Command failed: %v\n%s", err, output).
			WithSummary(summary), nil
	}

	if output == "" {
		output = "(no output)"
	}
	return tools.NewOutcome(output).
		WithSummary(summary).
		WithMetadata("exit_code", cmd.ProcessState.ExitCode()), nil
}

func clampTimeout(timeout int) int {
	if timeout < 1 {
		return 60
	}
	if timeout > maxBashTimeout {
		return maxBashTimeout
	}
	return timeout
}

func combineOutput(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(stdout)
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("STDERR:\n")
		b.WriteString(stderr)
	}
	out := b.String()
	if len(out) > maxBashOutput {
		out = out[:maxBashOutput] + "\n... (output truncated)"
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// validateCommand rejects a short list of destructive commands.
func validateCommand(command string) error {
	dangerous := []string{
		"rm -rf /",
		"rm -rf ~",
		"mkfs",
		"dd if=/dev/",
		":(){:|:&};:",
		"> /dev/sd",
		"chmod -R 777 /",
	}

	lower := strings.ToLower(command)
	for _, d := range dangerous {
		if strings.Contains(lower, d) {
			return fmt.Errorf("potentially dangerous command blocked: %s", d)
		}
	}
	return nil
}

// buildEnv keeps the real HOME so tool caches stay out of the workspace.
func buildEnv(ws *tools.ToolContext) []string {
	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin",
		"HOME=" + home,
	}
	for k, v := range ws.Env {
		env = append(env, k+"="+v)
	}
	return env
}
