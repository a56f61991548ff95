package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/telemetry"
)

// MaxToolRounds bounds the model/tool exchange of one invocation.
const MaxToolRounds = 4

// Gateway routes invocations to named providers and runs tool calls.
type Gateway struct {
	providers map[string]Provider
	tools     *ToolSet
	hub       *MCPHub
	log       *logging.Logger
	tel       *telemetry.Telemetry
	timeouts  map[string]time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTools sets the frozen set of local tools.
func WithTools(ts *ToolSet) GatewayOption { return func(g *Gateway) { g.tools = ts } }

// WithMCPHub sets the hub used for remote tools.
func WithMCPHub(h *MCPHub) GatewayOption { return func(g *Gateway) { g.hub = h } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GatewayOption { return func(g *Gateway) { g.log = l } }

// WithTelemetry sets the instruments.
func WithTelemetry(t *telemetry.Telemetry) GatewayOption { return func(g *Gateway) { g.tel = t } }

// WithProviderTimeout sets the default call timeout of one provider.
func WithProviderTimeout(name string, d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeouts[name] = d }
}

// NewGateway creates a gateway over the given providers.
func NewGateway(providers []Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers: map[string]Provider{},
		log:       logging.Nop(),
		tel:       telemetry.Nop(),
		timeouts:  map[string]time.Duration{},
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Component("gateway")
	return g
}

// Has reports whether a provider with that name is registered.
func (g *Gateway) Has(name string) bool {
	_, ok := g.providers[name]
	return ok
}

// Names lists registered providers in sorted order.
func (g *Gateway) Names() []string {
	out := make([]string, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckTools validates tool descriptors against the registries.
func (g *Gateway) CheckTools(descs []ToolDescriptor) error {
	for _, d := range descs {
		switch d.Kind {
		case ToolKindFunction:
			if _, ok := g.tools.Lookup(d.Name); !ok {
				return apperr.New(apperr.KindMissingComponent, "unknown tool %q", d.Name).
					WithDetail("known", g.tools.Names())
			}
		case ToolKindMCP:
			if g.hub == nil || (!g.hub.Known(d.ServerLabel) && d.ServerURL == "") {
				return apperr.New(apperr.KindMissingComponent, "unknown MCP server %q", d.ServerLabel)
			}
		default:
			return apperr.New(apperr.KindInvalidConfiguration, "unknown tool kind %q", d.Kind)
		}
	}
	return nil
}

// Stream is a forward-only sequence of non-empty text fragments. Recv
// returns io.EOF after the last fragment, or the classified failure.
type Stream struct {
	frags  chan string
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	warnings []error
}

// Recv returns the next fragment.
func (s *Stream) Recv() (string, error) {
	frag, ok := <-s.frags
	if ok {
		return frag, nil
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close aborts the underlying provider call and waits for it to stop.
func (s *Stream) Close() {
	s.cancel()
	for range s.frags {
	}
	<-s.done
}

// Warnings returns non-fatal failures, such as failed tool calls, seen so far.
func (s *Stream) Warnings() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.warnings))
	copy(out, s.warnings)
	return out
}

func (s *Stream) warn(err error) {
	s.mu.Lock()
	s.warnings = append(s.warnings, err)
	s.mu.Unlock()
}

// Invoke starts a streamed invocation of the named provider. Cancelling ctx
// aborts the provider call. opts.Timeout, when set, bounds the whole call and
// yields ProviderTimeout when exceeded.
func (g *Gateway) Invoke(ctx context.Context, providerName string, messages []Message, opts Options) (*Stream, error) {
	p, ok := g.providers[providerName]
	if !ok {
		return nil, apperr.New(apperr.KindMissingComponent, "unknown provider %q", providerName).
			WithDetail("known", g.Names())
	}

	if opts.Timeout == 0 {
		opts.Timeout = g.timeouts[providerName]
	}
	callCtx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(callCtx, opts.Timeout)
		prev := cancel
		cancel = func() { cancelTimeout(); prev() }
	}

	s := &Stream{frags: make(chan string), done: make(chan struct{}), cancel: cancel}
	defs, err := g.toolDefinitions(callCtx, opts.Tools, s)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer close(s.done)
		defer cancel()
		start := time.Now()
		spanCtx, span := g.tel.Start(callCtx, "provider.invoke", attribute.String("provider", providerName))
		err := g.run(spanCtx, p, messages, defs, opts, s)
		close(s.frags)

		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		err = Classify(ctx, providerName, err)
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		g.tel.ProviderCall(ctx, providerName, outcome, time.Since(start))

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s, nil
}

// Complete drains an invocation into a single string.
func (g *Gateway) Complete(ctx context.Context, providerName string, messages []Message, opts Options) (string, []error, error) {
	s, err := g.Invoke(ctx, providerName, messages, opts)
	if err != nil {
		return "", nil, err
	}
	defer s.Close()
	var sb strings.Builder
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), s.Warnings(), nil
		}
		if err != nil {
			return sb.String(), s.Warnings(), err
		}
		sb.WriteString(frag)
	}
}

func (g *Gateway) toolDefinitions(ctx context.Context, descs []ToolDescriptor, s *Stream) ([]ToolDefinition, error) {
	if err := g.CheckTools(descs); err != nil {
		return nil, err
	}
	var defs []ToolDefinition
	for _, d := range descs {
		switch d.Kind {
		case ToolKindFunction:
			t, _ := g.tools.Lookup(d.Name)
			defs = append(defs, t.Definition)
		case ToolKindMCP:
			remote, err := g.hub.Definitions(ctx, d)
			if err != nil {
				// an unreachable tool server degrades the run to plain chat
				g.log.Warn("MCP tools unavailable", "server", d.ServerLabel, "error", err)
				s.warn(err)
				continue
			}
			defs = append(defs, remote...)
		}
	}
	return defs, nil
}

// run drives model rounds until the model stops asking for tools.
func (g *Gateway) run(ctx context.Context, p Provider, messages []Message, defs []ToolDefinition, opts Options, s *Stream) error {
	history := make([]Message, len(messages))
	copy(history, messages)

	for round := 0; round < MaxToolRounds; round++ {
		req := Request{Messages: history, Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}
		if round < MaxToolRounds-1 {
			req.Tools = defs
		}
		text, calls, err := g.round(ctx, p, req, s)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}

		history = append(history, Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			result, err := g.callTool(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				terr := apperr.Wrap(apperr.KindToolInvocationFailed, err, "tool %q failed", call.Name)
				s.warn(terr)
				g.log.Warn("tool invocation failed", "tool", call.Name, "error", err)
				if !emit(ctx, s, fmt.Sprintf("\n[tool %s failed: %v]\n", call.Name, err)) {
					return ctx.Err()
				}
				result = "error: " + err.Error()
			}
			history = append(history, Message{Role: RoleTool, Content: result, ToolCallID: call.ID})
		}
	}
	return nil
}

// round streams one provider call, forwarding text and collecting tool calls.
func (g *Gateway) round(ctx context.Context, p Provider, req Request, s *Stream) (string, []ToolCall, error) {
	chunks, errs := p.Generate(ctx, req)
	var text strings.Builder
	var calls []ToolCall
	for chunk := range chunks {
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if !emit(ctx, s, chunk.Text) {
				drain(chunks)
				return text.String(), nil, ctx.Err()
			}
		}
		if chunk.Done {
			calls = chunk.ToolCalls
		}
	}
	if err := <-errs; err != nil {
		return text.String(), nil, err
	}
	if err := ctx.Err(); err != nil {
		return text.String(), nil, err
	}
	return text.String(), calls, nil
}

func (g *Gateway) callTool(ctx context.Context, call ToolCall) (string, error) {
	if t, ok := g.tools.Lookup(call.Name); ok {
		return t.Fn(ctx, call.Arguments)
	}
	if g.hub != nil {
		if _, _, ok := splitQualified(call.Name); ok {
			return g.hub.Call(ctx, call.Name, call.Arguments)
		}
	}
	return "", fmt.Errorf("model requested unknown tool %q", call.Name)
}

func emit(ctx context.Context, s *Stream, frag string) bool {
	select {
	case s.frags <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan Chunk) {
	for range ch {
	}
}
