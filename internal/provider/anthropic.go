package provider

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicOptions configure the Anthropic adapter.
type AnthropicOptions struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
}

// Anthropic adapts the Messages API.
type Anthropic struct {
	name   string
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropic creates an adapter with SDK retries disabled.
func NewAnthropic(name string, opts AnthropicOptions) *Anthropic {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)
	return NewAnthropicFromClient(name, &client, opts)
}

// NewAnthropicFromClient wraps an existing client.
func NewAnthropicFromClient(name string, client *anthropic.Client, opts AnthropicOptions) *Anthropic {
	if opts.Model == "" {
		opts.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	return &Anthropic{name: name, client: client, opts: opts}
}

// Name implements Provider.
func (p *Anthropic) Name() string { return p.name }

// Generate streams one message round.
func (p *Anthropic) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				errCh <- err
				return
			}
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case out <- Chunk{Text: delta.Text}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- err
			return
		}

		final := Chunk{Done: true, FinishReason: string(message.StopReason)}
		for _, block := range message.Content {
			if block.Type != "tool_use" {
				continue
			}
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil || len(args) == 0 || string(args) == "null" {
				args = []byte("{}")
			}
			final.ToolCalls = append(final.ToolCalls, ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
		out <- final
	}()
	return out, errCh
}

func (p *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	model := p.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := p.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			params.Messages = appendUserBlock(params.Messages, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		default:
			if m.Content != "" {
				params.Messages = appendUserBlock(params.Messages, anthropic.NewTextBlock(m.Content))
			}
		}
	}

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch required := t.Parameters["required"].(type) {
		case []string:
			schema.Required = required
		case []any:
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}
	return params
}

// appendUserBlock merges consecutive user-side blocks (text and tool
// results) into one message, as the Messages API requires alternating roles.
func appendUserBlock(msgs []anthropic.MessageParam, block anthropic.ContentBlockParamUnion) []anthropic.MessageParam {
	if n := len(msgs); n > 0 && msgs[n-1].Role == anthropic.MessageParamRoleUser {
		msgs[n-1].Content = append(msgs[n-1].Content, block)
		return msgs
	}
	return append(msgs, anthropic.NewUserMessage(block))
}
