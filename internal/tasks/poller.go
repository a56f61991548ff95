package tasks

import (
	"context"
	"time"

	"ai-workflows/backend/pkg/models"
)

// Step polls every Interval while elapsed time is below Until.
type Step struct {
	Until    time.Duration
	Interval time.Duration
}

// Policy is a declarative polling schedule.
type Policy struct {
	Steps       []Step
	GiveUpAfter time.Duration
}

// DefaultPolicy polls every 10s for two minutes, then every 30s, and gives
// up after five minutes.
var DefaultPolicy = Policy{
	Steps: []Step{
		{Until: 2 * time.Minute, Interval: 10 * time.Second},
		{Until: 5 * time.Minute, Interval: 30 * time.Second},
	},
	GiveUpAfter: 5 * time.Minute,
}

// IntervalAt returns the wait before the next poll when elapsed time has
// passed since polling started. ok is false once the client should give up.
func (p Policy) IntervalAt(elapsed time.Duration) (time.Duration, bool) {
	if elapsed >= p.GiveUpAfter || len(p.Steps) == 0 {
		return 0, false
	}
	for _, s := range p.Steps {
		if elapsed < s.Until {
			return s.Interval, true
		}
	}
	return p.Steps[len(p.Steps)-1].Interval, true
}

// Clock abstracts time for the poller.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// PollResult is the client-side view of a task after polling stopped.
type PollResult struct {
	Status models.RunStatus
	Handle *models.AsyncTaskHandle
	Polls  int
}

// Poller waits for tasks following a Policy. Giving up reports
// StatusTimeout and leaves the task running.
type Poller struct {
	runner Runner
	policy Policy
	clock  Clock
}

// NewPoller creates a poller. A zero policy means DefaultPolicy.
func NewPoller(runner Runner, policy Policy) *Poller {
	if len(policy.Steps) == 0 {
		policy = DefaultPolicy
	}
	return &Poller{runner: runner, policy: policy, clock: realClock{}}
}

// WithClock returns a copy of the poller using clock.
func (p *Poller) WithClock(clock Clock) *Poller {
	cp := *p
	cp.clock = clock
	return &cp
}

// Await polls taskID until it is terminal, the policy gives up, or ctx ends.
func (p *Poller) Await(ctx context.Context, taskID string) (PollResult, error) {
	start := p.clock.Now()
	var res PollResult
	for {
		h, err := p.runner.Status(ctx, taskID)
		if err != nil {
			return res, err
		}
		res.Polls++
		res.Handle = h
		if h.Status.Terminal() {
			res.Status = RunStatusOf(h.Status)
			return res, nil
		}

		wait, ok := p.policy.IntervalAt(p.clock.Now().Sub(start))
		if !ok {
			res.Status = models.StatusTimeout
			return res, nil
		}
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// RunStatusOf maps a task status to the status reported to clients.
func RunStatusOf(s models.TaskStatus) models.RunStatus {
	switch s {
	case models.TaskCompleted:
		return models.StatusCompleted
	case models.TaskFailed:
		return models.StatusFailed
	case models.TaskCancelled:
		return models.StatusCancelled
	default:
		return models.StatusProcessing
	}
}
