package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/tools"
)

// ReadFileTool reads a workspace file.
type ReadFileTool struct {
	ws *tools.ToolContext
}

func NewReadFileTool(ws *tools.ToolContext) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file in the workspace. Use this to examine files the user uploaded or files you created."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read, relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	if err := t.ws.CheckFileRead(); err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	path := tools.StringInput(input, "path")
	if path == "" {
		return tools.NewErrorOutcomef("path is required"), nil
	}

	absPath, err := t.ws.ValidatePath(path)
	if err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return tools.NewErrorOutcomef("failed to read file: %v", err), nil
	}

	return tools.NewOutcome(string(content)).
		WithSummary("Read " + t.ws.RelPath(absPath)), nil
}

// WriteFileTool creates or overwrites a workspace file.
type WriteFileTool struct {
	ws *tools.ToolContext
}

func NewWriteFileTool(ws *tools.ToolContext) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace. Creates the file if it doesn't exist, or overwrites it. Parent directories are created automatically."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write, relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	if err := t.ws.CheckFileWrite(); err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	path := tools.StringInput(input, "path")
	if path == "" {
		return tools.NewErrorOutcomef("path is required"), nil
	}
	content, ok := input["content"].(string)
	if !ok {
		return tools.NewErrorOutcomef("content is required"), nil
	}

	absPath, err := t.ws.ValidatePath(path)
	if err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return tools.NewErrorOutcomef("failed to create directory: %v", err), nil
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return tools.NewErrorOutcomef("failed to write file: %v", err), nil
	}

	rel := t.ws.RelPath(absPath)
	return tools.NewOutcome(fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), rel)).
		WithSummary("Wrote " + rel), nil
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	ws *tools.ToolContext
}

func NewListFilesTool(ws *tools.ToolContext) *ListFilesTool {
	return &ListFilesTool{ws: ws}
}

func (t *ListFilesTool) Name() string {
	return "list_files"
}

func (t *ListFilesTool) Description() string {
	return "List files and directories at a workspace path. Directories end with a slash."
}

func (t *ListFilesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory path to list, relative to the workspace. Use '.' for the workspace root.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListFilesTool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	if err := t.ws.CheckFileRead(); err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	path := tools.StringInput(input, "path")
	if path == "" {
		path = "."
	}

	absPath, err := t.ws.ValidatePath(path)
	if err != nil {
		return tools.NewErrorOutcome(err), nil
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return tools.NewErrorOutcomef("failed to list directory: %v", err), nil
	}
	if len(entries) == 0 {
		return tools.NewOutcome("(empty directory)"), nil
	}

	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Name())
		if entry.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	return tools.NewOutcome(b.String()).
		WithSummary("Listed " + t.ws.RelPath(absPath)), nil
}
