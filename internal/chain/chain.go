// Package chain runs the configured processor stages of a workflow:
// context extraction, history retrieval, prompt assembly and model
// invocation.
package chain

import (
	"context"
	"errors"
	"time"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/pkg/models"
)

// Sink receives streamed fragments in arrival order.
type Sink interface {
	Send(ctx context.Context, fragment string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, fragment string) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, fragment string) error { return f(ctx, fragment) }

// Fence guards session writes. A run whose fence is closed (the client went
// away, or the task was cancelled) must not persist anything.
type Fence interface {
	Guard(ctx context.Context, write func(context.Context) error) error
}

// ContextFence allows writes while ctx is live. It is the fence of
// synchronous runs.
type ContextFence struct{}

// Guard implements Fence.
func (ContextFence) Guard(ctx context.Context, write func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return write(ctx)
}

// RunState accumulates the results of stages for one run.
type RunState struct {
	Request models.WorkflowRunRequest
	Session models.SessionHandle
	Input   string

	// SystemPrompt is a default system instruction supplied by the action.
	SystemPrompt string
	// Ephemeral runs never touch the session store.
	Ephemeral bool

	Sink  Sink
	Fence Fence

	Context          string
	ContextTruncated bool
	History          []provider.Message
	Messages         []provider.Message

	Response string
	Streamed bool
	// Persisted counts turns durably appended by this run.
	Persisted int
	Warnings  []error

	finalized bool
}

// Stage is one configured unit of work.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *RunState) error
}

// Chain is an ordered list of stages built from configuration.
type Chain struct {
	stages []Stage
	log    *logging.Logger
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	out := make([]string, len(c.stages))
	for i, s := range c.stages {
		out[i] = s.Name()
	}
	return out
}

// Streams reports whether the chain forwards model deltas to the sink.
func (c *Chain) Streams() bool {
	for _, s := range c.stages {
		if st, ok := s.(interface{ Streams() bool }); ok && st.Streams() {
			return true
		}
	}
	return false
}

// Run executes stages in order. The first failure aborts the rest; turns
// already appended by completed stages stay persisted.
func (c *Chain) Run(ctx context.Context, st *RunState) error {
	if st.Fence == nil {
		st.Fence = ContextFence{}
	}
	for _, stage := range c.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := stage.Run(ctx, st)
		c.log.Debug("stage finished", "stage", stage.Name(), "duration", time.Since(start), "error", err)
		if err != nil {
			return stageError(stage.Name(), err)
		}
	}
	return nil
}

func stageError(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			return err
		}
	}
	e := apperr.As(err)
	if _, ok := e.Details["stage"]; !ok {
		e.WithDetail("stage", name)
	}
	return e
}
