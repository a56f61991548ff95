package provider

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configure the OpenAI adapter.
type OpenAIOptions struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
}

// OpenAI adapts the Chat Completions API.
type OpenAI struct {
	name   string
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAI creates an adapter. SDK retries are disabled; retry policy
// belongs to callers.
func NewOpenAI(name string, opts OpenAIOptions) *OpenAI {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return NewOpenAIFromClient(name, &client, opts)
}

// NewOpenAIFromClient wraps an existing client.
func NewOpenAIFromClient(name string, client *openai.Client, opts OpenAIOptions) *OpenAI {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	return &OpenAI{name: name, client: client, opts: opts}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return p.name }

// Generate streams one completion round.
func (p *OpenAI) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
		defer stream.Close()

		type aggCall struct{ id, name, args string }
		calls := map[int64]*aggCall{}
		finish := ""
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					select {
					case out <- Chunk{Text: ch.Delta.Content}:
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					}
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := calls[tc.Index]
					if !ok {
						ac = &aggCall{}
						calls[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				if ch.FinishReason != "" {
					finish = ch.FinishReason
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- err
			return
		}

		indexes := make([]int64, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
		final := Chunk{Done: true, FinishReason: finish}
		for _, i := range indexes {
			ac := calls[i]
			args := ac.args
			if args == "" {
				args = "{}"
			}
			final.ToolCalls = append(final.ToolCalls, ToolCall{ID: ac.id, Name: ac.name, Arguments: json.RawMessage(args)})
		}
		out <- final
	}()
	return out, errCh
}

func (p *OpenAI) buildParams(req Request) openai.ChatCompletionNewParams {
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
	params := openai.ChatCompletionNewParams{
		Messages:            openAIMessages(req.Messages),
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  t.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	return params
}

func openAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: calls}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
