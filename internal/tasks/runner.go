// Package tasks runs long generations outside the request that started them
// and lets clients poll or cancel them.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/chain"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/internal/telemetry"
	"ai-workflows/backend/pkg/models"
)

// DefaultLease is how long a non-terminal task may go without a heartbeat
// before another submitter treats it as abandoned.
const DefaultLease = 2 * time.Minute

// ErrFenced is returned by a task fence once the task was cancelled.
var ErrFenced = errors.New("task cancelled; write refused")

// Result is what a job produced.
type Result struct {
	Text string
	// Ref points at where the output was persisted, if anywhere.
	Ref string
	// Persisted counts turns written before a failure.
	Persisted int
}

// Job is the work of one task. Every session write must go through fence.
type Job func(ctx context.Context, fence chain.Fence) (Result, error)

// Submission describes a task to start.
type Submission struct {
	SessionKey string
	RequestID  string
	Job        Job
}

// Runner is the asynchronous task facility used by the orchestrator.
type Runner interface {
	// Submit starts a task unless the session already has an active one, in
	// which case it fails with TaskAlreadyRunning carrying that task's id.
	Submit(ctx context.Context, sub Submission) (*models.AsyncTaskHandle, error)
	Status(ctx context.Context, taskID string) (*models.AsyncTaskHandle, error)
	// Cancel marks the task cancelled. Once it returns, the task performs no
	// further session writes.
	Cancel(ctx context.Context, taskID string) (*models.AsyncTaskHandle, error)
}

// LocalRunner executes tasks in goroutines of this process and records
// their state in a TaskStore.
type LocalRunner struct {
	store repository.TaskStore
	sem   *semaphore.Weighted
	log   *logging.Logger
	tel   *telemetry.Telemetry
	now   func() time.Time
	lease time.Duration

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*running
}

type running struct {
	cancel context.CancelFunc
	fence  *taskFence
}

// Option configures a LocalRunner.
type Option func(*LocalRunner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(r *LocalRunner) { r.log = l } }

// WithTelemetry sets the instruments.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(r *LocalRunner) { r.tel = t } }

// WithLease sets how long a task may go without a heartbeat before its
// session claim can be taken over. Zero disables takeover.
func WithLease(d time.Duration) Option { return func(r *LocalRunner) { r.lease = d } }

// NewLocalRunner creates a runner executing at most maxConcurrent tasks at once.
func NewLocalRunner(store repository.TaskStore, maxConcurrent int, opts ...Option) *LocalRunner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	base, stop := context.WithCancel(context.Background())
	r := &LocalRunner{
		store:  store,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		log:    logging.Nop(),
		tel:    telemetry.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		lease:  DefaultLease,
		base:   base,
		stop:   stop,
		active: map[string]*running{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Component("tasks")
	return r
}

// Submit implements Runner. The task outlives ctx.
func (r *LocalRunner) Submit(ctx context.Context, sub Submission) (*models.AsyncTaskHandle, error) {
	taskID := uuid.NewString()
	now := r.now()
	handle := &models.AsyncTaskHandle{
		TaskID:     taskID,
		SessionKey: sub.SessionKey,
		RequestID:  sub.RequestID,
		Status:     models.TaskQueued,
		Message:    "queued",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// The record exists before the claim so a competing submitter never
	// mistakes a fresh claim for a stale one.
	if err := r.store.Put(ctx, handle); err != nil {
		return nil, err
	}
	if err := r.claim(ctx, sub.SessionKey, taskID); err != nil {
		_, _ = r.store.Transition(context.WithoutCancel(ctx), taskID, func(h *models.AsyncTaskHandle) error {
			h.Status = models.TaskFailed
			h.Message = "rejected"
			h.Error = apperr.Body(err, false)
			h.UpdatedAt = r.now()
			return nil
		})
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(r.base)
	run := &running{cancel: cancel, fence: &taskFence{store: r.store, taskID: taskID}}
	r.mu.Lock()
	r.active[taskID] = run
	r.mu.Unlock()

	r.wg.Add(1)
	go r.execute(taskCtx, handle, sub, run)
	return handle, nil
}

// claim marks taskID active for the session. A marker left behind by a task
// that already finished, or whose heartbeat is older than the lease, is
// cleared and the claim retried once.
func (r *LocalRunner) claim(ctx context.Context, sessionKey, taskID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		holder, ok, err := r.store.Claim(ctx, sessionKey, taskID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		h, err := r.store.Get(ctx, holder)
		switch {
		case err == nil && !h.Status.Terminal() && !r.expired(h):
			return apperr.New(apperr.KindTaskAlreadyRunning, "task %s is already running for this session", holder).
				WithDetail("taskId", holder)
		case err != nil && apperr.KindOf(err) != apperr.KindTaskNotFound:
			return err
		}
		if err == nil && !h.Status.Terminal() {
			if err := r.abandon(ctx, h); err != nil {
				return err
			}
		}
		r.log.Warn("clearing stale session claim", "session", sessionKey, "holder", holder)
		if err := r.store.Release(ctx, sessionKey, holder); err != nil {
			return err
		}
	}
	return apperr.New(apperr.KindTaskAlreadyRunning, "another task claimed this session")
}

func (r *LocalRunner) expired(h *models.AsyncTaskHandle) bool {
	return r.lease > 0 && r.now().Sub(h.UpdatedAt) > r.lease
}

// abandon fails a task whose runner stopped heartbeating, so its fence
// refuses writes should that runner come back.
func (r *LocalRunner) abandon(ctx context.Context, h *models.AsyncTaskHandle) error {
	last := h.UpdatedAt
	_, err := r.store.Transition(ctx, h.TaskID, func(h *models.AsyncTaskHandle) error {
		h.Status = models.TaskFailed
		h.Message = "abandoned"
		h.Error = apperr.Body(apperr.New(apperr.KindInternal, "task abandoned: no heartbeat since %s", last.Format(time.RFC3339)), false)
		h.UpdatedAt = r.now()
		return nil
	})
	if err != nil && !errors.Is(err, repository.ErrTaskTerminal) {
		return err
	}
	r.log.Warn("task abandoned", "task", h.TaskID, "last_heartbeat", last)
	return nil
}

// heartbeat refreshes the task's UpdatedAt until ctx ends or the task is
// terminal. The returned func stops it and waits.
func (r *LocalRunner) heartbeat(ctx context.Context, taskID string) func() {
	if r.lease <= 0 {
		return func() {}
	}
	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.lease / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := r.store.Transition(ctx, taskID, func(h *models.AsyncTaskHandle) error {
				h.UpdatedAt = r.now()
				return nil
			})
			if errors.Is(err, repository.ErrTaskTerminal) {
				return
			}
			if err != nil && ctx.Err() == nil {
				r.log.Warn("task heartbeat", "task", taskID, "error", err)
			}
		}
	}()
	return func() {
		stop()
		<-done
	}
}

func (r *LocalRunner) execute(ctx context.Context, handle *models.AsyncTaskHandle, sub Submission, run *running) {
	defer r.wg.Done()
	defer run.cancel()
	defer func() {
		r.mu.Lock()
		delete(r.active, handle.TaskID)
		r.mu.Unlock()
		// the marker must go even when the task was cancelled mid-flight
		if err := r.store.Release(context.Background(), sub.SessionKey, handle.TaskID); err != nil {
			r.log.Error("release session claim", "task", handle.TaskID, "error", err)
		}
	}()
	log := r.log.With("task", handle.TaskID, "session", sub.SessionKey)
	stopHeartbeat := r.heartbeat(ctx, handle.TaskID)
	defer stopHeartbeat()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		// shut down before a slot freed up
		_, _ = r.store.Transition(context.Background(), handle.TaskID, func(h *models.AsyncTaskHandle) error {
			h.Status = models.TaskCancelled
			h.Message = "runner stopped"
			h.UpdatedAt = r.now()
			return nil
		})
		return
	}
	defer r.sem.Release(1)

	_, err := r.store.Transition(ctx, handle.TaskID, func(h *models.AsyncTaskHandle) error {
		h.Status = models.TaskProcessing
		h.Message = "processing"
		h.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		if !errors.Is(err, repository.ErrTaskTerminal) {
			log.Error("start task", "error", err)
		}
		return
	}

	r.tel.TaskStarted(ctx)
	defer r.tel.TaskFinished(context.Background())
	log.Info("task started")

	res, jobErr := r.runJob(ctx, sub.Job, run.fence)

	// Hold the fence so a concurrent Cancel either lands before the terminal
	// transition or observes it.
	run.fence.mu.Lock()
	defer run.fence.mu.Unlock()
	if run.fence.closed {
		log.Info("task finished after cancellation", "error", jobErr)
		return
	}
	_, err = r.store.Transition(context.Background(), handle.TaskID, func(h *models.AsyncTaskHandle) error {
		h.UpdatedAt = r.now()
		h.ResultRef = res.Ref
		if jobErr != nil {
			h.Status = models.TaskFailed
			h.Message = "failed"
			h.Error = apperr.Body(jobErr, res.Persisted > 0)
			return nil
		}
		h.Status = models.TaskCompleted
		h.Message = "completed"
		h.Result = res.Text
		return nil
	})
	switch {
	case errors.Is(err, repository.ErrTaskTerminal):
		log.Info("task already terminal", "error", jobErr)
	case err != nil:
		log.Error("finish task", "error", err)
	case jobErr != nil:
		log.Warn("task failed", "error", jobErr)
	default:
		log.Info("task completed")
	}
}

func (r *LocalRunner) runJob(ctx context.Context, job Job, fence chain.Fence) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.New(apperr.KindInternal, "task panicked: %v", p)
		}
	}()
	return job(ctx, fence)
}

// Status implements Runner.
func (r *LocalRunner) Status(ctx context.Context, taskID string) (*models.AsyncTaskHandle, error) {
	return r.store.Get(ctx, taskID)
}

// Cancel implements Runner. Cancelling a finished task returns it unchanged.
func (r *LocalRunner) Cancel(ctx context.Context, taskID string) (*models.AsyncTaskHandle, error) {
	r.mu.Lock()
	run := r.active[taskID]
	r.mu.Unlock()

	// Holding the fence waits out an in-flight write and keeps the job from
	// starting a new one until the cancellation is recorded.
	if run != nil {
		run.fence.mu.Lock()
		defer run.fence.mu.Unlock()
	}
	h, err := r.store.Transition(ctx, taskID, func(h *models.AsyncTaskHandle) error {
		h.Status = models.TaskCancelled
		h.Message = "cancelled"
		h.UpdatedAt = r.now()
		return nil
	})
	if errors.Is(err, repository.ErrTaskTerminal) {
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	if run != nil {
		run.fence.closed = true
		run.cancel()
	}
	r.log.Info("task cancelled", "task", taskID)
	return h, nil
}

// Shutdown cancels running tasks and waits for them to stop or ctx to end.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// taskFence refuses writes once the task is cancelled, locally or through
// the store by another replica.
type taskFence struct {
	store  repository.TaskStore
	taskID string

	mu     sync.Mutex
	closed bool
}

// Guard implements chain.Fence.
func (f *taskFence) Guard(ctx context.Context, write func(context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFenced
	}
	h, err := f.store.Get(ctx, f.taskID)
	if err != nil {
		return err
	}
	if h.Status.Terminal() {
		return ErrFenced
	}
	return write(ctx)
}
