// Package provider wraps LLM backends behind a single streaming contract and
// runs the tool-call loop (local functions and remote MCP tools) on top of it.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Role of a provider message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one provider-ready chat message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition is a callable function exposed to the model. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool descriptor kinds.
const (
	ToolKindFunction = "function"
	ToolKindMCP      = "mcp"
)

// ToolDescriptor names a tool in stage options. Function tools reference the
// local registry by Name; MCP tools reference a remote server by ServerLabel,
// optionally restricted to Name.
type ToolDescriptor struct {
	Kind         string `json:"kind" mapstructure:"kind"`
	Name         string `json:"name,omitempty" mapstructure:"name"`
	ServerLabel  string `json:"serverLabel,omitempty" mapstructure:"server_label"`
	ServerURL    string `json:"serverUrl,omitempty" mapstructure:"server_url"`
	ApprovalMode string `json:"approvalMode,omitempty" mapstructure:"approval_mode"`
}

// Options are per-call settings. Zero values fall back to the provider's
// configured defaults.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int64
	Timeout     time.Duration
	Tools       []ToolDescriptor
}

// Request is what an adapter receives for one model round.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	Temperature *float64
	MaxTokens   int64
}

// Chunk is one streamed piece of a model round. Text deltas arrive with
// Done=false; the final chunk carries any tool calls requested by the model.
type Chunk struct {
	Text         string
	ToolCalls    []ToolCall
	Done         bool
	FinishReason string
}

// Provider is one LLM backend. Generate streams chunks for a single round and
// closes both channels when finished; at most one error is sent.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
