package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"agent_runtime/pkg/history"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/tools"
)

// Tool forwards calls to one tool of an MCP server.
type Tool struct {
	server *Server
	remote mcp.Tool
	schema map[string]any
}

func newTool(s *Server, remote mcp.Tool) *Tool {
	return &Tool{server: s, remote: remote, schema: inputSchema(remote)}
}

// inputSchema converts the remote schema to the generic form sent to models.
func inputSchema(t mcp.Tool) map[string]any {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return map[string]any{"type": "object"}
		}
		raw = data
	}
	schema := map[string]any{}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema) == 0 {
		return map[string]any{"type": "object"}
	}
	if typ, _ := schema["type"].(string); typ == "" {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema
}

// Name is prefixed with the server name so servers cannot collide.
func (t *Tool) Name() string {
	return fmt.Sprintf("mcp_%s_%s", t.server.name, t.remote.Name)
}

func (t *Tool) Description() string {
	return t.remote.Description
}

func (t *Tool) InputSchema() map[string]any {
	return t.schema
}

func (t *Tool) Run(ctx context.Context, input map[string]any, hist *history.MessageHistory) (tools.Outcome, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote.Name
	req.Params.Arguments = input

	res, err := t.server.client.CallTool(ctx, req)
	if err != nil {
		return tools.Outcome{}, fmt.Errorf("mcp %s/%s: %w", t.server.name, t.remote.Name, err)
	}

	out := convertResult(res)
	out.OperatorSummary = fmt.Sprintf("Called %s on %s", t.remote.Name, t.server.name)
	return out, nil
}

// convertResult keeps text as plain output and switches to ordered parts
// only when the server returned images.
func convertResult(res *mcp.CallToolResult) tools.Outcome {
	var (
		texts     []string
		parts     []llm.ContentPart
		hasImages bool
	)
	for _, c := range res.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, text.Text)
			parts = append(parts, llm.TextPart(text.Text))
			continue
		}
		if img, ok := mcp.AsImageContent(c); ok {
			hasImages = true
			parts = append(parts, llm.ImagePart(img.MIMEType, img.Data))
		}
	}

	out := tools.Outcome{Content: strings.Join(texts, "\n"), IsError: res.IsError}
	if hasImages {
		out.Parts = parts
	}
	return out
}
