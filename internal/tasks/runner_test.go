package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/chain"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/pkg/models"
)

func waitStatus(t *testing.T, r Runner, taskID string, want models.TaskStatus) *models.AsyncTaskHandle {
	t.Helper()
	var h *models.AsyncTaskHandle
	require.Eventually(t, func() bool {
		var err error
		h, err = r.Status(context.Background(), taskID)
		return err == nil && h.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func TestLocalRunner_SubmitThenComplete(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 2)
	defer runner.Shutdown(context.Background())

	gate := make(chan struct{})
	h, err := runner.Submit(context.Background(), Submission{
		SessionKey: "s1",
		RequestID:  "r1",
		Job: func(ctx context.Context, _ chain.Fence) (Result, error) {
			<-gate
			return Result{Text: "Q1. What is a cell?"}, nil
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.TaskID)

	status, err := runner.Status(context.Background(), h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, RunStatusOf(status.Status))

	close(gate)
	done := waitStatus(t, runner, h.TaskID, models.TaskCompleted)
	assert.Equal(t, "Q1. What is a cell?", done.Result)
	assert.Equal(t, "r1", done.RequestID)
}

func TestLocalRunner_FailureIsRecorded(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 1)
	defer runner.Shutdown(context.Background())

	h, err := runner.Submit(context.Background(), Submission{
		SessionKey: "s1",
		Job: func(context.Context, chain.Fence) (Result, error) {
			return Result{Persisted: 1}, apperr.New(apperr.KindProviderUnavailable, "down")
		},
	})
	require.NoError(t, err)
	failed := waitStatus(t, runner, h.TaskID, models.TaskFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "ProviderUnavailable", failed.Error.Code)
	assert.True(t, failed.Error.Partial)
}

func TestLocalRunner_SingleFlightPerSession(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 4)
	defer runner.Shutdown(context.Background())

	gate := make(chan struct{})
	defer close(gate)
	job := func(ctx context.Context, _ chain.Fence) (Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return Result{}, nil
	}

	var wg sync.WaitGroup
	var accepted atomic.Int32
	var rejected atomic.Int32
	var winner string
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := runner.Submit(context.Background(), Submission{SessionKey: "same", Job: job})
			if err == nil {
				accepted.Add(1)
				mu.Lock()
				winner = h.TaskID
				mu.Unlock()
				return
			}
			if apperr.KindOf(err) == apperr.KindTaskAlreadyRunning {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(7), rejected.Load())

	_, err := runner.Submit(context.Background(), Submission{SessionKey: "same", Job: job})
	require.Error(t, err)
	assert.Equal(t, winner, apperr.As(err).Details["taskId"])

	_, err = runner.Submit(context.Background(), Submission{SessionKey: "other", Job: job})
	assert.NoError(t, err)
}

func TestLocalRunner_ClaimReleasedAfterCompletion(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 1)
	defer runner.Shutdown(context.Background())
	quick := func(context.Context, chain.Fence) (Result, error) { return Result{Text: "ok"}, nil }

	first, err := runner.Submit(context.Background(), Submission{SessionKey: "s", Job: quick})
	require.NoError(t, err)
	waitStatus(t, runner, first.TaskID, models.TaskCompleted)

	require.Eventually(t, func() bool {
		_, err := runner.Submit(context.Background(), Submission{SessionKey: "s", Job: quick})
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestLocalRunner_StaleClaimIsCleared(t *testing.T) {
	store := repository.NewMemoryTaskStore()
	_, ok, err := store.Claim(context.Background(), "s", "ghost")
	require.NoError(t, err)
	require.True(t, ok)

	runner := NewLocalRunner(store, 1)
	defer runner.Shutdown(context.Background())
	_, err = runner.Submit(context.Background(), Submission{SessionKey: "s", Job: func(context.Context, chain.Fence) (Result, error) {
		return Result{}, nil
	}})
	assert.NoError(t, err)
}

func TestLocalRunner_AbandonedTaskIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryTaskStore()
	last := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.Put(ctx, &models.AsyncTaskHandle{
		TaskID: "crashed", SessionKey: "s", Status: models.TaskProcessing, CreatedAt: last, UpdatedAt: last,
	}))
	_, ok, err := store.Claim(ctx, "s", "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	runner := NewLocalRunner(store, 1, WithLease(time.Minute))
	defer runner.Shutdown(ctx)
	h, err := runner.Submit(ctx, Submission{SessionKey: "s", Job: func(context.Context, chain.Fence) (Result, error) {
		return Result{Text: "fresh"}, nil
	}})
	require.NoError(t, err)
	waitStatus(t, runner, h.TaskID, models.TaskCompleted)

	old, err := store.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, old.Status)
	require.NotNil(t, old.Error)
	assert.Equal(t, "Internal", old.Error.Code)

	// the crashed runner's fence now refuses writes
	fence := &taskFence{store: store, taskID: "crashed"}
	assert.ErrorIs(t, fence.Guard(ctx, func(context.Context) error { return nil }), ErrFenced)
}

func TestLocalRunner_HeartbeatKeepsClaim(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 1, WithLease(40*time.Millisecond))
	defer runner.Shutdown(context.Background())

	gate := make(chan struct{})
	defer close(gate)
	first, err := runner.Submit(context.Background(), Submission{SessionKey: "s", Job: func(context.Context, chain.Fence) (Result, error) {
		<-gate
		return Result{}, nil
	}})
	require.NoError(t, err)
	waitStatus(t, runner, first.TaskID, models.TaskProcessing)

	time.Sleep(150 * time.Millisecond)
	_, err = runner.Submit(context.Background(), Submission{SessionKey: "s", Job: func(context.Context, chain.Fence) (Result, error) {
		return Result{}, nil
	}})
	assert.Equal(t, apperr.KindTaskAlreadyRunning, apperr.KindOf(err))

	h, err := runner.Status(context.Background(), first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskProcessing, h.Status)
}

func TestLocalRunner_CancelStopsWrites(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 1)
	defer runner.Shutdown(context.Background())

	started := make(chan struct{})
	finished := make(chan error, 1)
	var writes atomic.Int32
	h, err := runner.Submit(context.Background(), Submission{
		SessionKey: "s1",
		Job: func(ctx context.Context, fence chain.Fence) (Result, error) {
			close(started)
			<-ctx.Done()
			err := fence.Guard(context.Background(), func(context.Context) error {
				writes.Add(1)
				return nil
			})
			finished <- err
			return Result{Text: "too late"}, err
		},
	})
	require.NoError(t, err)
	<-started

	cancelled, err := runner.Cancel(context.Background(), h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, cancelled.Status)

	select {
	case err := <-finished:
		assert.True(t, errors.Is(err, ErrFenced))
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
	assert.Zero(t, writes.Load())

	final, err := runner.Status(context.Background(), h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, final.Status)
	assert.Empty(t, final.Result)
}

func TestLocalRunner_CancelFinishedTask(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 1)
	defer runner.Shutdown(context.Background())
	h, err := runner.Submit(context.Background(), Submission{SessionKey: "s", Job: func(context.Context, chain.Fence) (Result, error) {
		return Result{Text: "done"}, nil
	}})
	require.NoError(t, err)
	waitStatus(t, runner, h.TaskID, models.TaskCompleted)

	got, err := runner.Cancel(context.Background(), h.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	_, err = runner.Cancel(context.Background(), "missing")
	assert.Equal(t, apperr.KindTaskNotFound, apperr.KindOf(err))
}

func TestLocalRunner_PanicBecomesFailure(t *testing.T) {
	runner := NewLocalRunner(repository.NewMemoryTaskStore(), 1)
	defer runner.Shutdown(context.Background())
	h, err := runner.Submit(context.Background(), Submission{SessionKey: "s", Job: func(context.Context, chain.Fence) (Result, error) {
		panic("boom")
	}})
	require.NoError(t, err)
	failed := waitStatus(t, runner, h.TaskID, models.TaskFailed)
	assert.Equal(t, "Internal", failed.Error.Code)
}
