// Package mcp exposes tools served by Model Context Protocol servers as
// ordinary session tools.
package mcp

import (
	"context"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/tools"
)

const (
	clientName    = "agent_runtime"
	clientVersion = "1.0.0"
)

// ServerConfig describes an MCP server launched as a child process.
type ServerConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// Server is a connected, initialized MCP server.
type Server struct {
	name   string
	client *client.Client
	info   mcp.Implementation
	tools  []*Tool
}

// Connect launches cfg.Command over stdio and performs the handshake.
func Connect(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, fmt.Errorf("mcp server needs a name and a command")
	}

	env := make([]string, 0, len(cfg.Env))
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", cfg.Name, err)
	}
	return initialize(ctx, cfg.Name, c)
}

// ConnectInProcess talks to srv without a transport, for embedded servers
// and tests.
func ConnectInProcess(ctx context.Context, name string, srv *server.MCPServer) (*Server, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("create in-process mcp client %s: %w", name, err)
	}
	return initialize(ctx, name, c)
}

func initialize(ctx context.Context, name string, c *client.Client) (*Server, error) {
	log := logging.FromContext(ctx).With("mcp_server", name)

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp client %s: %w", name, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	res, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools from mcp server %s: %w", name, err)
	}

	s := &Server{name: name, client: c, info: res.ServerInfo}
	for _, t := range listed.Tools {
		s.tools = append(s.tools, newTool(s, t))
	}
	log.Info("mcp server connected", "server_name", res.ServerInfo.Name, "tools", len(s.tools))
	return s, nil
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.name
}

// Info returns what the server reported about itself.
func (s *Server) Info() mcp.Implementation {
	return s.info
}

// Tools returns the server's tools as session tools.
func (s *Server) Tools() []tools.Tool {
	out := make([]tools.Tool, len(s.tools))
	for i, t := range s.tools {
		out[i] = t
	}
	return out
}

// RegisterTools adds every tool of the server to registry.
func (s *Server) RegisterTools(registry *tools.Registry) error {
	for _, t := range s.tools {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register mcp tool %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Close stops the client and, for stdio servers, the child process.
func (s *Server) Close() error {
	return s.client.Close()
}

// ConnectAll connects to every configured server. Servers that fail are
// logged and skipped so one broken server does not block a session.
func ConnectAll(ctx context.Context, configs []ServerConfig) []*Server {
	log := logging.FromContext(ctx)
	var servers []*Server
	for _, cfg := range configs {
		s, err := Connect(ctx, cfg)
		if err != nil {
			log.Warn("mcp server unavailable", "mcp_server", cfg.Name, "error", err)
			continue
		}
		servers = append(servers, s)
	}
	return servers
}
