package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"ai-workflows/backend/internal/apperr"
)

// ToolFunc executes a local tool with JSON arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a locally implemented business function callable by the model.
type Tool struct {
	Definition ToolDefinition
	Fn         ToolFunc
}

// ToolRegistry collects tools during startup. After Freeze the registry
// rejects changes; dispatch reads the frozen ToolSet.
type ToolRegistry struct {
	mu     sync.Mutex
	tools  map[string]Tool
	frozen bool
}

// ToolHandle is returned by Register and can withdraw the tool before Freeze.
type ToolHandle struct {
	name string
	reg  *ToolRegistry
}

// Name of the registered tool.
func (h *ToolHandle) Name() string { return h.name }

// Unregister removes the tool. It fails once the registry is frozen.
func (h *ToolHandle) Unregister() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	if h.reg.frozen {
		return apperr.New(apperr.KindInvalidConfiguration, "tool registry is frozen")
	}
	delete(h.reg.tools, h.name)
	return nil
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]Tool{}}
}

// Register adds a tool. Names must be unique.
func (r *ToolRegistry) Register(t Tool) (*ToolHandle, error) {
	name := t.Definition.Name
	if name == "" || t.Fn == nil {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "tool needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "tool registry is frozen; cannot register %q", name)
	}
	if _, dup := r.tools[name]; dup {
		return nil, apperr.New(apperr.KindInvalidConfiguration, "tool %q already registered", name)
	}
	r.tools[name] = t
	return &ToolHandle{name: name, reg: r}, nil
}

// Freeze stops further registration and returns an immutable snapshot.
// Calling it again returns an equivalent snapshot.
func (r *ToolRegistry) Freeze() *ToolSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	snapshot := make(map[string]Tool, len(r.tools))
	for k, v := range r.tools {
		snapshot[k] = v
	}
	return &ToolSet{tools: snapshot}
}

// ToolSet is a read-only view of registered tools.
type ToolSet struct {
	tools map[string]Tool
}

// Lookup returns the tool registered under name.
func (s *ToolSet) Lookup(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Names lists the registered tools in sorted order.
func (s *ToolSet) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
