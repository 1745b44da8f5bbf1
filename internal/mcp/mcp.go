// Package mcp connects to Model Context Protocol servers and registers
// their tools dynamically. Stdio servers run as subprocesses; HTTP servers
// speak JSON-RPC with optional SSE responses.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/toolreg"
	"github.com/gptme/gptme/pkg/models"
)

const protocolVersion = "2024-11-05"

// caller abstracts the transport: stdio subprocess or HTTP endpoint.
type caller interface {
	listTools(ctx context.Context) ([]toolInfo, error)
	callTool(ctx context.Context, name string, args map[string]any) (string, error)
	close() error
}

type toolInfo struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type connection struct {
	server    logstore.MCPServer
	transport caller
	toolNames []string
}

// Manager owns MCP server connections for one process.
type Manager struct {
	mu          sync.Mutex
	connections map[string]*connection
	logger      *slog.Logger
}

// NewManager creates an MCP manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connections: make(map[string]*connection),
		logger:      logger.With("component", "mcp"),
	}
}

// Connect establishes a connection to one configured server and registers
// its tools. Disabled servers are skipped silently. Tool names are
// prefixed "<server>." to avoid colliding with built-ins.
func (m *Manager) Connect(ctx context.Context, server logstore.MCPServer, reg *toolreg.Registry) error {
	if !server.Enabled {
		return nil
	}
	if server.Name == "" {
		return errors.New("mcp: server name is required")
	}

	m.mu.Lock()
	if _, exists := m.connections[server.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("mcp: server %q already connected", server.Name)
	}
	m.mu.Unlock()

	var transport caller
	var err error
	switch {
	case server.Command != "":
		transport, err = newStdioCaller(ctx, server)
	case server.URL != "":
		transport, err = newHTTPCaller(ctx, server)
	default:
		return fmt.Errorf("mcp: server %q has neither command nor url", server.Name)
	}
	if err != nil {
		return err
	}

	tools, err := transport.listTools(ctx)
	if err != nil {
		_ = transport.close()
		return fmt.Errorf("mcp: list tools on %s: %w", server.Name, err)
	}

	conn := &connection{server: server, transport: transport}
	for _, info := range tools {
		qualified := server.Name + "." + info.Name
		remote := info.Name
		spec := &toolreg.ToolSpec{
			Name:        qualified,
			Description: info.Description,
			Parameters:  info.Schema,
			IsMCP:       true,
			Execute: func(ctx context.Context, tu *models.ToolUse, confirm toolreg.ConfirmFunc) ([]models.Message, error) {
				if !confirm("Run MCP tool " + qualified + "?") {
					return []models.Message{models.NewSystemMessage("Tool execution denied by user")}, nil
				}
				text, err := transport.callTool(ctx, remote, toolArgs(tu))
				if err != nil {
					return nil, err
				}
				return []models.Message{models.NewSystemMessage(text)}, nil
			},
		}
		if err := reg.Register(spec); err != nil {
			m.logger.Warn("skipping MCP tool", "server", server.Name, "tool", info.Name, "error", err)
			continue
		}
		conn.toolNames = append(conn.toolNames, qualified)
	}

	m.mu.Lock()
	m.connections[server.Name] = conn
	m.mu.Unlock()
	m.logger.Info("connected to MCP server", "name", server.Name, "tools", len(conn.toolNames))
	return nil
}

// Unload disconnects a server and removes its tools from the registry.
func (m *Manager) Unload(name string, reg *toolreg.Registry) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	delete(m.connections, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcp: server %q not connected", name)
	}
	for _, tool := range conn.toolNames {
		reg.Unregister(tool)
	}
	return conn.transport.close()
}

// Servers returns the names of connected servers, for /tools output.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	return names
}

// CloseAll disconnects everything; registries are left to the caller.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*connection)
	m.mu.Unlock()
	for name, conn := range conns {
		if err := conn.transport.close(); err != nil {
			m.logger.Warn("closing MCP server", "name", name, "error", err)
		}
	}
}

// toolArgs maps a parsed invocation onto MCP arguments. Native-format
// content is a JSON object already; markdown/xml content rides under a
// "content" key unless kwargs were given.
func toolArgs(tu *models.ToolUse) map[string]any {
	trimmed := strings.TrimSpace(tu.Content)
	if strings.HasPrefix(trimmed, "{") {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	if len(tu.Kwargs) > 0 {
		args := make(map[string]any, len(tu.Kwargs))
		for k, v := range tu.Kwargs {
			args[k] = v
		}
		return args
	}
	return map[string]any{"content": tu.Content}
}

// stdioCaller wraps the mcp-go subprocess client.
type stdioCaller struct {
	client *client.Client
}

func newStdioCaller(ctx context.Context, server logstore.MCPServer) (*stdioCaller, error) {
	env := make([]string, 0, len(server.Env))
	for k, v := range server.Env {
		env = append(env, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(server.Command, env, server.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", server.Name, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", server.Name, err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "gptme", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp: initialize %s: %w", server.Name, err)
	}
	return &stdioCaller{client: c}, nil
}

func (s *stdioCaller) listTools(ctx context.Context) ([]toolInfo, error) {
	resp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	infos := make([]toolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		infos = append(infos, toolInfo{Name: t.Name, Description: t.Description, Schema: schema})
	}
	return infos, nil
}

func (s *stdioCaller) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", errors.New(joined)
	}
	return joined, nil
}

func (s *stdioCaller) close() error { return s.client.Close() }
