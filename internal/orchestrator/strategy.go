package orchestrator

import (
	"sort"

	"ai-workflows/backend/internal/apperr"
)

// Built-in orchestrator classes.
const (
	ClassDirect            = "direct"
	ClassThreaded          = "threaded"
	ClassEducatorAssistant = "educator_assistant"
)

// Strategy describes how an orchestrator class treats runs.
type Strategy struct {
	Name string
	// Ephemeral runs never read or write the session.
	Ephemeral bool
	// Streaming allows the model stage to forward deltas to the caller.
	Streaming bool
	// Async allows run_async.
	Async bool
}

// Strategies is the registry of orchestrator classes.
type Strategies struct {
	byName map[string]Strategy
}

// DefaultStrategies returns the built-in classes.
func DefaultStrategies() *Strategies {
	s := &Strategies{byName: map[string]Strategy{}}
	for _, st := range []Strategy{
		{Name: ClassDirect, Ephemeral: true},
		{Name: ClassThreaded, Streaming: true},
		{Name: ClassEducatorAssistant, Streaming: true, Async: true},
	} {
		s.byName[st.Name] = st
	}
	return s
}

// Register adds a class. Names are unique.
func (s *Strategies) Register(st Strategy) error {
	if st.Name == "" {
		return apperr.New(apperr.KindInvalidConfiguration, "orchestrator class needs a name")
	}
	if _, dup := s.byName[st.Name]; dup {
		return apperr.New(apperr.KindInvalidConfiguration, "orchestrator class %q already registered", st.Name)
	}
	s.byName[st.Name] = st
	return nil
}

// Lookup returns the class named name or a MissingComponent error listing
// the known classes.
func (s *Strategies) Lookup(name string) (Strategy, error) {
	st, ok := s.byName[name]
	if !ok {
		return Strategy{}, apperr.New(apperr.KindMissingComponent, "unknown orchestrator class %q", name).
			WithDetail("known", s.Names())
	}
	return st, nil
}

// Names lists the registered classes in sorted order.
func (s *Strategies) Names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
