package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/tools"
)

func newTestServer() *server.MCPServer {
	srv := server.NewMCPServer("notes", "0.1.0", server.WithToolCapabilities(true))

	srv.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo the text back"),
		mcp.WithString("text", mcp.Required(), mcp.Description("text to echo")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		if text == "" {
			return mcp.NewToolResultError("text is required"), nil
		}
		return mcp.NewToolResultText("echo: " + text), nil
	})

	srv.AddTool(mcp.NewTool("snapshot",
		mcp.WithDescription("Return a screenshot"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultImage("captured", "aGVsbG8=", "image/png"), nil
	})

	srv.AddTool(mcp.NewTool("broken",
		mcp.WithDescription("Always fails"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("backend offline")
	})

	return srv
}

func connectTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := ConnectInProcess(context.Background(), "notes", newTestServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectInProcessListsTools(t *testing.T) {
	s := connectTestServer(t)

	assert.Equal(t, "notes", s.Name())
	assert.Equal(t, "notes", s.Info().Name)

	registry := tools.NewRegistry()
	require.NoError(t, s.RegisterTools(registry))
	assert.Equal(t, []string{"mcp_notes_broken", "mcp_notes_echo", "mcp_notes_snapshot"}, registry.Names())

	echo := registry.Get("mcp_notes_echo")
	require.NotNil(t, echo)
	assert.Equal(t, "Echo the text back", echo.Description())
	schema := echo.InputSchema()
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Equal(t, []any{"text"}, schema["required"])
}

func TestToolRunText(t *testing.T) {
	s := connectTestServer(t)
	registry := tools.NewRegistry()
	require.NoError(t, s.RegisterTools(registry))

	out, err := registry.Get("mcp_notes_echo").Run(context.Background(), map[string]any{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.False(t, out.IsError)
	assert.Equal(t, "echo: hi", out.Content)
	assert.Nil(t, out.Parts)
	assert.Equal(t, "Called echo on notes", out.OperatorSummary)

	out, err = registry.Get("mcp_notes_echo").Run(context.Background(), map[string]any{}, nil)
	require.NoError(t, err)
	assert.True(t, out.IsError)
	assert.Equal(t, "text is required", out.Content)
}

func TestToolRunImage(t *testing.T) {
	s := connectTestServer(t)
	registry := tools.NewRegistry()
	require.NoError(t, s.RegisterTools(registry))

	out, err := registry.Get("mcp_notes_snapshot").Run(context.Background(), map[string]any{}, nil)
	require.NoError(t, err)
	require.Len(t, out.Parts, 2)
	assert.Equal(t, llm.TextPart("captured"), out.Parts[0])
	assert.Equal(t, llm.ImagePart("image/png", "aGVsbG8="), out.Parts[1])
}

func TestToolRunHandlerError(t *testing.T) {
	s := connectTestServer(t)
	registry := tools.NewRegistry()
	require.NoError(t, s.RegisterTools(registry))

	m, err := tools.NewManager(registry, tools.NewCompleteTool())
	require.NoError(t, err)

	out := m.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "mcp_notes_broken", Input: map[string]any{}}, nil)
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "mcp notes/broken")
}

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), ServerConfig{Name: "x"})
	require.Error(t, err)
}

func TestInputSchemaFallback(t *testing.T) {
	schema := inputSchema(mcp.Tool{Name: "bare"})
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, map[string]any{}, schema["properties"])
}
