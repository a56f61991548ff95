package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-workflows/backend/pkg/models"
)

func TestPolicy_IntervalAt(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
		ok      bool
	}{
		{0, 10 * time.Second, true},
		{119 * time.Second, 10 * time.Second, true},
		{2 * time.Minute, 30 * time.Second, true},
		{4*time.Minute + 59*time.Second, 30 * time.Second, true},
		{5 * time.Minute, 0, false},
		{time.Hour, 0, false},
	}
	for _, tc := range cases {
		got, ok := DefaultPolicy.IntervalAt(tc.elapsed)
		assert.Equal(t, tc.ok, ok, tc.elapsed)
		assert.Equal(t, tc.want, got, tc.elapsed)
	}
}

// fakeClock advances instantly when waited on.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// scriptedRunner reports statuses in order, repeating the last one.
type scriptedRunner struct {
	mu       sync.Mutex
	statuses []models.TaskStatus
	calls    int
}

func (s *scriptedRunner) Submit(context.Context, Submission) (*models.AsyncTaskHandle, error) {
	return nil, nil
}

func (s *scriptedRunner) Status(_ context.Context, taskID string) (*models.AsyncTaskHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	s.calls++
	return &models.AsyncTaskHandle{TaskID: taskID, Status: s.statuses[i]}, nil
}

func (s *scriptedRunner) Cancel(context.Context, string) (*models.AsyncTaskHandle, error) {
	return nil, nil
}

func TestPoller_GivesUpWithoutCancelling(t *testing.T) {
	runner := &scriptedRunner{statuses: []models.TaskStatus{models.TaskProcessing}}
	p := NewPoller(runner, Policy{}).WithClock(&fakeClock{now: time.Unix(0, 0)})

	res, err := p.Await(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, res.Status)
	// 13 polls at 10s up to two minutes, then 6 at 30s up to five minutes
	assert.Equal(t, 19, res.Polls)
	assert.Equal(t, models.TaskProcessing, res.Handle.Status)
}

func TestPoller_StopsAtTerminalStatus(t *testing.T) {
	runner := &scriptedRunner{statuses: []models.TaskStatus{models.TaskQueued, models.TaskProcessing, models.TaskCompleted}}
	p := NewPoller(runner, Policy{}).WithClock(&fakeClock{now: time.Unix(0, 0)})

	res, err := p.Await(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Polls)
}

func TestPoller_ContextEnds(t *testing.T) {
	runner := &scriptedRunner{statuses: []models.TaskStatus{models.TaskProcessing}}
	p := NewPoller(runner, Policy{Steps: []Step{{Until: time.Hour, Interval: time.Hour}}, GiveUpAfter: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Await(ctx, "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunStatusOf(t *testing.T) {
	assert.Equal(t, models.StatusProcessing, RunStatusOf(models.TaskQueued))
	assert.Equal(t, models.StatusCancelled, RunStatusOf(models.TaskCancelled))
	assert.Equal(t, models.StatusFailed, RunStatusOf(models.TaskFailed))
}
