package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/logging"
)

// MCPServer is a remote tool server reachable over streamable HTTP.
type MCPServer struct {
	URL string
	// ApprovalMode "always" means every call needs a human approval, which a
	// server-side run cannot obtain, so such tools are refused.
	ApprovalMode string
}

// Dialer opens and starts an MCP client for a server.
type Dialer func(ctx context.Context, label string, server MCPServer) (*client.Client, error)

// MCPHub manages connections to remote MCP servers, keyed by label.
type MCPHub struct {
	mu          sync.Mutex
	servers     map[string]MCPServer
	connections map[string]*mcpConnection
	dial        Dialer
	log         *logging.Logger
}

type mcpConnection struct {
	client *client.Client
	tools  []mcp.Tool
}

// HubOption configures an MCPHub.
type HubOption func(*MCPHub)

// WithDialer replaces the default streamable HTTP dialer.
func WithDialer(d Dialer) HubOption {
	return func(h *MCPHub) { h.dial = d }
}

// NewMCPHub creates a hub. Connections are opened on first use.
func NewMCPHub(servers map[string]MCPServer, log *logging.Logger, opts ...HubOption) *MCPHub {
	if log == nil {
		log = logging.Nop()
	}
	h := &MCPHub{
		servers:     make(map[string]MCPServer, len(servers)),
		connections: map[string]*mcpConnection{},
		dial:        dialStreamableHTTP,
		log:         log.Component("mcp-hub"),
	}
	for label, s := range servers {
		h.servers[label] = s
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func dialStreamableHTTP(ctx context.Context, label string, server MCPServer) (*client.Client, error) {
	c, err := client.NewStreamableHttpClient(server.URL)
	if err != nil {
		return nil, fmt.Errorf("create MCP client for %s: %w", label, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start MCP client for %s: %w", label, err)
	}
	return c, nil
}

// Known reports whether label names a configured server.
func (h *MCPHub) Known(label string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.servers[label]
	return ok
}

func (h *MCPHub) connect(ctx context.Context, desc ToolDescriptor) (*mcpConnection, MCPServer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	server, ok := h.servers[desc.ServerLabel]
	if !ok {
		if desc.ServerURL == "" {
			return nil, MCPServer{}, apperr.New(apperr.KindMissingComponent, "unknown MCP server %q", desc.ServerLabel)
		}
		server = MCPServer{URL: desc.ServerURL, ApprovalMode: desc.ApprovalMode}
		h.servers[desc.ServerLabel] = server
	}
	if conn, ok := h.connections[desc.ServerLabel]; ok {
		return conn, server, nil
	}

	c, err := h.dial(ctx, desc.ServerLabel, server)
	if err != nil {
		return nil, server, err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ai-workflows", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, server, fmt.Errorf("initialize MCP client for %s: %w", desc.ServerLabel, err)
	}
	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, server, fmt.Errorf("list tools of %s: %w", desc.ServerLabel, err)
	}
	conn := &mcpConnection{client: c, tools: listed.Tools}
	h.connections[desc.ServerLabel] = conn
	h.log.Info("connected MCP server", "label", desc.ServerLabel, "tools", len(listed.Tools))
	return conn, server, nil
}

// Definitions returns the tool definitions a descriptor exposes. Tool names
// are qualified as "<label>__<tool>" so they cannot clash with local tools.
func (h *MCPHub) Definitions(ctx context.Context, desc ToolDescriptor) ([]ToolDefinition, error) {
	conn, _, err := h.connect(ctx, desc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindToolInvocationFailed, err, "MCP server %q unreachable", desc.ServerLabel)
	}
	var defs []ToolDefinition
	for _, t := range conn.tools {
		if desc.Name != "" && t.Name != desc.Name {
			continue
		}
		params := map[string]any{"type": "object", "properties": t.InputSchema.Properties}
		if t.InputSchema.Properties == nil {
			params["properties"] = map[string]any{}
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		defs = append(defs, ToolDefinition{
			Name:        QualifiedToolName(desc.ServerLabel, t.Name),
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

// QualifiedToolName joins a server label and a remote tool name.
func QualifiedToolName(label, tool string) string { return label + "__" + tool }

func splitQualified(name string) (string, string, bool) {
	return strings.Cut(name, "__")
}

// Call invokes a remote tool by qualified name and returns its text content.
func (h *MCPHub) Call(ctx context.Context, qualified string, args json.RawMessage) (string, error) {
	label, tool, ok := splitQualified(qualified)
	if !ok {
		return "", fmt.Errorf("not an MCP tool name: %s", qualified)
	}
	conn, server, err := h.connect(ctx, ToolDescriptor{ServerLabel: label})
	if err != nil {
		return "", err
	}
	if strings.EqualFold(server.ApprovalMode, "always") {
		return "", fmt.Errorf("tool %s on %s requires approval", tool, label)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decode arguments for %s: %w", qualified, err)
		}
	}
	res, err := conn.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: arguments},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", qualified, sb.String())
	}
	return sb.String(), nil
}

// Close closes every open connection.
func (h *MCPHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for label, conn := range h.connections {
		if err := conn.client.Close(); err != nil {
			h.log.Warn("close MCP client", "label", label, "error", err)
		}
		delete(h.connections, label)
	}
	return nil
}
