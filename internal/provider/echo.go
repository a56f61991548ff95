package provider

import (
	"context"
	"strings"
)

// Echo is an offline provider that answers with the last user message. It
// is used for local development and demos without API keys.
type Echo struct {
	name string
}

// NewEcho creates an echo provider.
func NewEcho(name string) *Echo { return &Echo{name: name} }

// Name implements Provider.
func (e *Echo) Name() string { return e.name }

// Generate streams "echo: <input>" word by word.
func (e *Echo) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		var last string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		text := "echo: " + last
		for _, word := range strings.SplitAfter(text, " ") {
			if word == "" {
				continue
			}
			select {
			case out <- Chunk{Text: word}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		out <- Chunk{Done: true, FinishReason: "stop"}
	}()
	return out, errCh
}
