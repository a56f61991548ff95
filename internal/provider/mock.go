package provider

import (
	"context"
	"sync"
)

// MockRound scripts one Generate call of a MockProvider.
type MockRound struct {
	Deltas    []string
	ToolCalls []ToolCall
	// Err is returned after Deltas were sent.
	Err error
	// Gate, when set, blocks the round until it is closed or ctx ends.
	Gate <-chan struct{}
}

// MockProvider replays scripted rounds and records every request. Once the
// script is exhausted the last round repeats.
type MockProvider struct {
	name   string
	mu     sync.Mutex
	rounds []MockRound
	calls  []Request
}

// NewMockProvider creates a scripted provider.
func NewMockProvider(name string, rounds ...MockRound) *MockProvider {
	return &MockProvider{name: name, rounds: rounds}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Generate implements Provider.
func (m *MockProvider) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	m.mu.Lock()
	var round MockRound
	if n := len(m.calls); n < len(m.rounds) {
		round = m.rounds[n]
	} else if len(m.rounds) > 0 {
		round = m.rounds[len(m.rounds)-1]
	}
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	out := make(chan Chunk)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if round.Gate != nil {
			select {
			case <-round.Gate:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		for _, d := range round.Deltas {
			select {
			case out <- Chunk{Text: d}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if round.Err != nil {
			errCh <- round.Err
			return
		}
		select {
		case out <- Chunk{Done: true, ToolCalls: round.ToolCalls, FinishReason: "stop"}:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return out, errCh
}
