// Package orchestrator dispatches workflow actions: it resolves the profile
// for a request, runs its processor chain synchronously, streamed or as a
// background task, and shapes the single response envelope.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/chain"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/internal/tasks"
	"ai-workflows/backend/internal/telemetry"
	"ai-workflows/backend/pkg/models"
)

// ButtonAssistancePrompt is the system instruction of simple_button_assistance.
const ButtonAssistancePrompt = "You are a helpful learning assistant. Answer briefly using the content the learner is looking at."

const (
	defaultPageSize     = 10
	defaultMaxPageSize  = 100
	defaultDedupeWindow = 30 * time.Second
)

// Orchestrator is the workflow state machine.
type Orchestrator struct {
	resolver   services.ProfileResolver
	sessions   repository.SessionStore
	runner     tasks.Runner
	strategies *Strategies
	chains     map[string]*chain.Chain

	pageSize     int
	maxPageSize  int
	dedupeWindow time.Duration
	dedupe       *deduper
	log          *logging.Logger
	tel          *telemetry.Telemetry
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithTelemetry sets the instruments.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(o *Orchestrator) { o.tel = t } }

// WithStrategies replaces the orchestrator class registry.
func WithStrategies(s *Strategies) Option { return func(o *Orchestrator) { o.strategies = s } }

// WithDefaultPageSize sets the history page size used when a request omits it.
func WithDefaultPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithMaxPageSize caps the history page size a request may ask for.
func WithMaxPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxPageSize = n
		}
	}
}

// WithDedupeWindow sets how long a finished run answers repeats of its
// requestId. Zero keeps only in-flight deduplication.
func WithDedupeWindow(d time.Duration) Option {
	return func(o *Orchestrator) { o.dedupeWindow = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New builds the chain of every profile up front so configuration errors
// surface at startup. Profiles are those the resolver can return.
func New(resolver services.ProfileResolver, profiles []models.Profile, registry *chain.Registry, deps chain.Deps, runner tasks.Runner, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		resolver:     resolver,
		sessions:     deps.Sessions,
		runner:       runner,
		strategies:   DefaultStrategies(),
		chains:       map[string]*chain.Chain{},
		pageSize:     defaultPageSize,
		maxPageSize:  defaultMaxPageSize,
		dedupeWindow: defaultDedupeWindow,
		log:          logging.Nop(),
		tel:          telemetry.Nop(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Component("orchestrator")
	o.maxPageSize = min(o.maxPageSize, repository.MaxPageSize)
	o.pageSize = min(o.pageSize, o.maxPageSize)
	o.dedupe = newDeduper(o.dedupeWindow, o.now)
	if deps.Log == nil {
		deps.Log = o.log
	}

	for _, p := range profiles {
		if p.ID == "" {
			return nil, apperr.New(apperr.KindInvalidConfiguration, "profile without id")
		}
		if _, dup := o.chains[p.ID]; dup {
			return nil, apperr.New(apperr.KindInvalidConfiguration, "duplicate profile id %q", p.ID)
		}
		if _, err := o.strategies.Lookup(p.OrchestratorClass); err != nil {
			return nil, apperr.As(err).WithDetail("profile", p.ID)
		}
		c, err := registry.Build(p.ProcessorConfig, deps)
		if err != nil {
			return nil, apperr.As(err).WithDetail("profile", p.ID)
		}
		o.chains[p.ID] = c
		o.log.Debug("profile ready", "profile", p.ID, "class", p.OrchestratorClass, "stages", c.Stages())
	}
	return o, nil
}

// Dispatch performs one workflow action for userID. The returned envelope is
// always populated; on failure it carries the error body and err is the
// underlying *apperr.Error. Streamed fragments, if any, go to sink before
// Dispatch returns.
func (o *Orchestrator) Dispatch(ctx context.Context, userID string, req models.WorkflowRunRequest, sink chain.Sink) (models.Envelope, error) {
	ctx, span := o.tel.Start(ctx, "workflow."+string(req.Action),
		attribute.String("workflow.action", string(req.Action)),
		attribute.String("workflow.request_id", req.RequestID))
	defer span.End()

	env, err := o.dispatch(ctx, userID, req, sink)
	env.RequestID = req.RequestID
	env.Timestamp = o.now()
	if err != nil {
		if env.Status == "" {
			env.Status = failureStatus(err)
		}
		if env.Error == nil {
			env.Error = apperr.Body(err, false)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.Warn("workflow action failed", "action", req.Action, "request", req.RequestID, "error", err)
	}
	span.SetAttributes(attribute.String("workflow.status", string(env.Status)))
	o.tel.Run(ctx, string(req.Action), string(env.Status))
	return env, err
}

// failureStatus separates requests refused before any work from runs that
// failed while executing.
func failureStatus(err error) models.RunStatus {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidAction, apperr.KindMissingTaskID, apperr.KindInvalidInput,
		apperr.KindTaskAlreadyRunning, apperr.KindTaskNotFound:
		return models.StatusRejected
	}
	return models.StatusFailed
}

func (o *Orchestrator) dispatch(ctx context.Context, userID string, req models.WorkflowRunRequest, sink chain.Sink) (models.Envelope, error) {
	if !req.Action.Valid() {
		return models.Envelope{}, apperr.New(apperr.KindInvalidAction, "unknown action %q", req.Action)
	}
	if (req.Action == models.ActionGetRunStatus || req.Action == models.ActionCancelRun) && req.TaskID == "" {
		return models.Envelope{}, apperr.New(apperr.KindMissingTaskID, "%s requires taskId", req.Action)
	}

	profile, err := o.resolver.Resolve(ctx, req.Context)
	if err != nil {
		return models.Envelope{}, err
	}
	if profile == nil {
		return models.Envelope{Status: models.StatusNoConfig, Message: "no workflow is configured for this context"}, nil
	}
	c, ok := o.chains[profile.ID]
	if !ok {
		return models.Envelope{}, apperr.New(apperr.KindMissingComponent, "profile %q was not loaded", profile.ID)
	}
	strategy, err := o.strategies.Lookup(profile.OrchestratorClass)
	if err != nil {
		return models.Envelope{}, err
	}

	r := &run{
		o:        o,
		req:      req,
		chain:    c,
		strategy: strategy,
		session: models.SessionHandle{
			WorkflowID: profile.ID,
			UserID:     userID,
			ContextKey: req.Context.Key(),
		},
	}

	switch req.Action {
	case models.ActionRun, models.ActionSimpleButtonAssistance:
		return o.dedupe.do(ctx, r.dedupeKey(), func() (models.Envelope, error) { return r.runSync(ctx, sink) })
	case models.ActionRunAsync:
		if !strategy.Async {
			return models.Envelope{}, apperr.New(apperr.KindInvalidAction, "orchestrator class %q does not run asynchronously", strategy.Name)
		}
		return o.dedupe.do(ctx, r.dedupeKey(), func() (models.Envelope, error) { return r.submit(ctx) })
	case models.ActionGetRunStatus:
		return r.status(ctx)
	case models.ActionCancelRun:
		return r.cancel(ctx)
	case models.ActionCurrentSessionResponse:
		return r.currentResponse(ctx)
	case models.ActionLazyLoadChatHistory:
		return r.history(ctx)
	case models.ActionClearSession:
		if err := o.sessions.Clear(ctx, r.session); err != nil {
			return models.Envelope{}, err
		}
		return models.Envelope{Status: models.StatusCompleted, Message: "session cleared"}, nil
	}
	return models.Envelope{}, apperr.New(apperr.KindInvalidAction, "unhandled action %q", req.Action)
}

// run is one dispatched action against a resolved profile and session.
type run struct {
	o        *Orchestrator
	req      models.WorkflowRunRequest
	chain    *chain.Chain
	strategy Strategy
	session  models.SessionHandle
}

func (r *run) dedupeKey() string {
	if r.req.RequestID == "" {
		return ""
	}
	return string(r.req.Action) + "|" + r.session.Key() + "|" + r.req.RequestID
}

func (r *run) state(sink chain.Sink, fence chain.Fence) *chain.RunState {
	st := &chain.RunState{
		Request:   r.req,
		Session:   r.session,
		Input:     r.req.InputText(),
		Ephemeral: r.strategy.Ephemeral,
		Fence:     fence,
	}
	if r.strategy.Streaming {
		st.Sink = sink
	}
	if r.req.Action == models.ActionSimpleButtonAssistance {
		st.SystemPrompt = ButtonAssistancePrompt
	}
	return st
}

func (r *run) runSync(ctx context.Context, sink chain.Sink) (models.Envelope, error) {
	st := r.state(sink, chain.ContextFence{})
	if err := r.chain.Run(ctx, st); err != nil {
		return models.Envelope{
			Status: models.StatusFailed,
			Error:  apperr.Body(err, st.Persisted > 0),
		}, err
	}
	env := models.Envelope{Status: models.StatusCompleted, Response: st.Response}
	if len(st.Warnings) > 0 {
		env.Message = warningsMessage(st.Warnings)
	}
	return env, nil
}

func warningsMessage(warnings []error) string {
	msgs := make([]string, len(warnings))
	for i, w := range warnings {
		msgs[i] = w.Error()
	}
	return strings.Join(msgs, "; ")
}

func (r *run) submit(ctx context.Context) (models.Envelope, error) {
	h, err := r.o.runner.Submit(ctx, tasks.Submission{
		SessionKey: r.session.Key(),
		RequestID:  r.req.RequestID,
		Job: func(ctx context.Context, fence chain.Fence) (tasks.Result, error) {
			st := r.state(nil, fence)
			err := r.chain.Run(ctx, st)
			return tasks.Result{Text: st.Response, Persisted: st.Persisted}, err
		},
	})
	if err != nil {
		env := models.Envelope{}
		if e := apperr.As(err); e.Kind == apperr.KindTaskAlreadyRunning {
			if id, ok := e.Details["taskId"].(string); ok {
				env.TaskID = id
			}
		}
		return env, err
	}
	return models.Envelope{Status: models.StatusProcessing, TaskID: h.TaskID, Message: h.Message}, nil
}

// ownedTask loads a task and hides tasks of other sessions.
func (r *run) ownedTask(ctx context.Context) (*models.AsyncTaskHandle, error) {
	h, err := r.o.runner.Status(ctx, r.req.TaskID)
	if err != nil {
		return nil, err
	}
	if h.SessionKey != r.session.Key() {
		return nil, apperr.New(apperr.KindTaskNotFound, "task %s not found", r.req.TaskID)
	}
	return h, nil
}

func taskEnvelope(h *models.AsyncTaskHandle) models.Envelope {
	return models.Envelope{
		Status:   tasks.RunStatusOf(h.Status),
		TaskID:   h.TaskID,
		Response: h.Result,
		Message:  h.Message,
		Error:    h.Error,
	}
}

func (r *run) status(ctx context.Context) (models.Envelope, error) {
	h, err := r.ownedTask(ctx)
	if err != nil {
		return models.Envelope{TaskID: r.req.TaskID}, err
	}
	return taskEnvelope(h), nil
}

func (r *run) cancel(ctx context.Context) (models.Envelope, error) {
	if _, err := r.ownedTask(ctx); err != nil {
		return models.Envelope{TaskID: r.req.TaskID}, err
	}
	h, err := r.o.runner.Cancel(ctx, r.req.TaskID)
	if err != nil {
		return models.Envelope{TaskID: r.req.TaskID}, err
	}
	return taskEnvelope(h), nil
}

// currentResponse returns the newest assistant answer. An answer split over
// several consecutive assistant turns is joined back together.
func (r *run) currentResponse(ctx context.Context) (models.Envelope, error) {
	var parts []string
	cursor := ""
	for {
		page, err := r.o.sessions.ReadPage(ctx, r.session, cursor, r.o.pageSize)
		if err != nil {
			return models.Envelope{}, err
		}
		for _, t := range page.Turns {
			if t.Role == models.RoleAssistant {
				parts = append(parts, t.Content)
				continue
			}
			if len(parts) > 0 {
				return currentEnvelope(parts), nil
			}
		}
		if !page.HasMore {
			return currentEnvelope(parts), nil
		}
		cursor = page.Cursor
	}
}

func currentEnvelope(newestFirst []string) models.Envelope {
	var sb strings.Builder
	for i := len(newestFirst) - 1; i >= 0; i-- {
		sb.WriteString(newestFirst[i])
	}
	return models.Envelope{Status: models.StatusCompleted, Response: sb.String()}
}

func (r *run) history(ctx context.Context) (models.Envelope, error) {
	var q models.HistoryQuery
	if raw := strings.TrimSpace(string(r.req.UserInput)); raw != "" && raw != "null" && raw != `""` {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&q); err != nil {
			return models.Envelope{}, apperr.Wrap(apperr.KindInvalidInput, err, "userInput must be {cursor, pageSize}")
		}
	}
	if q.PageSize == 0 {
		q.PageSize = r.o.pageSize
	}
	if q.PageSize < 0 || q.PageSize > r.o.maxPageSize {
		return models.Envelope{}, apperr.New(apperr.KindInvalidInput, "pageSize must be between 1 and %d", r.o.maxPageSize).
			WithDetail("max", r.o.maxPageSize)
	}
	page, err := r.o.sessions.ReadPage(ctx, r.session, q.Cursor, q.PageSize)
	if err != nil {
		return models.Envelope{}, err
	}
	return models.Envelope{Status: models.StatusCompleted, History: &page}, nil
}
