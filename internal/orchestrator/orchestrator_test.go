package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-workflows/backend/internal/apperr"
	"ai-workflows/backend/internal/chain"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/internal/repository"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/internal/tasks"
	"ai-workflows/backend/pkg/models"
)

var (
	chatCtx   = models.RunContext{CourseID: "course-chat", LocationID: "loc-1", UnitID: "unit-1"}
	directCtx = models.RunContext{CourseID: "course-direct", UnitID: "unit-1"}
	eduCtx    = models.RunContext{CourseID: "course-edu", UnitID: "unit-1"}
)

func testProfiles() []models.Profile {
	return []models.Profile{
		{
			ID:    "chat",
			Scope: models.Scope{CourseID: "course-chat"},
			WorkflowConfiguration: models.WorkflowConfiguration{
				OrchestratorClass: ClassThreaded,
				ProcessorConfig: []models.StageConfig{
					{Function: chain.FuncHistory, Options: map[string]any{"max_context_messages": 6}},
					{Function: chain.FuncModel, Provider: "mock", Options: map[string]any{"stream": true}},
				},
			},
		},
		{
			ID:    "direct",
			Scope: models.Scope{CourseID: "course-direct"},
			WorkflowConfiguration: models.WorkflowConfiguration{
				OrchestratorClass: ClassDirect,
				ProcessorConfig:   []models.StageConfig{{Function: chain.FuncModel, Provider: "mock"}},
			},
		},
		{
			ID:    "edu",
			Scope: models.Scope{CourseID: "course-edu"},
			WorkflowConfiguration: models.WorkflowConfiguration{
				OrchestratorClass: ClassEducatorAssistant,
				ProcessorConfig:   []models.StageConfig{{Function: chain.FuncModel, Provider: "mock"}},
			},
		},
	}
}

type fixture struct {
	orch   *Orchestrator
	store  *repository.MemorySessionStore
	runner *tasks.LocalRunner
	mock   *provider.MockProvider
}

func newFixture(t *testing.T, rounds ...provider.MockRound) *fixture {
	t.Helper()
	if len(rounds) == 0 {
		rounds = []provider.MockRound{{Deltas: []string{"Hello", ", ", "learner."}}}
	}
	mock := provider.NewMockProvider("mock", rounds...)
	store := repository.NewMemorySessionStore(0)
	runner := tasks.NewLocalRunner(repository.NewMemoryTaskStore(), 2)
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	profiles := testProfiles()
	orch, err := New(services.NewConfigResolver(profiles), profiles, chain.NewRegistry(), chain.Deps{
		Sessions: store,
		Gateway:  provider.NewGateway([]provider.Provider{mock}),
	}, runner)
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, runner: runner, mock: mock}
}

func request(action models.Action, rc models.RunContext, input string) models.WorkflowRunRequest {
	req := models.WorkflowRunRequest{Action: action, RequestID: string(action) + "-" + input, Context: rc, Timestamp: time.Now()}
	if input != "" {
		req.UserInput, _ = json.Marshal(input)
	}
	return req
}

func turns(t *testing.T, store repository.SessionStore, workflow string, rc models.RunContext) []models.ConversationTurn {
	t.Helper()
	page, err := store.ReadPage(context.Background(), models.SessionHandle{WorkflowID: workflow, UserID: "u1", ContextKey: rc.Key()}, "", 100)
	require.NoError(t, err)
	out := make([]models.ConversationTurn, 0, len(page.Turns))
	for i := len(page.Turns) - 1; i >= 0; i-- {
		out = append(out, page.Turns[i])
	}
	return out
}

type collector struct {
	mu    sync.Mutex
	frags []string
}

func (c *collector) Send(_ context.Context, frag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frags = append(c.frags, frag)
	return nil
}

func (c *collector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.frags, "")
}

func TestRun_AppendsUserThenAssistant(t *testing.T) {
	f := newFixture(t)
	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionRun, chatCtx, "hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, env.Status)
	assert.Equal(t, "Hello, learner.", env.Response)
	assert.Equal(t, "run-hi", env.RequestID)

	got := turns(t, f.store, "chat", chatCtx)
	require.Len(t, got, 2)
	assert.Equal(t, models.RoleUser, got[0].Role)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, models.RoleAssistant, got[1].Role)
	assert.Equal(t, "Hello, learner.", got[1].Content)
}

func TestRun_StreamedDeltasMatchPersistedTurn(t *testing.T) {
	f := newFixture(t, provider.MockRound{Deltas: []string{"Mito", "chondria ", "make ", "ATP", "."}})
	sink := &collector{}
	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionRun, chatCtx, "what do mitochondria do"), sink)
	require.NoError(t, err)

	got := turns(t, f.store, "chat", chatCtx)
	require.Len(t, got, 2)
	assert.Equal(t, got[1].Content, sink.joined())
	assert.Equal(t, env.Response, sink.joined())
	assert.Len(t, sink.frags, 5)
}

func TestRun_DirectClassIsEphemeralAndBuffered(t *testing.T) {
	f := newFixture(t)
	sink := &collector{}
	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionRun, directCtx, "hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, "Hello, learner.", env.Response)
	assert.Empty(t, sink.frags)
	assert.Empty(t, turns(t, f.store, "direct", directCtx))
}

func TestRun_DuplicateRequestIDRunsOnce(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, provider.MockRound{Deltas: []string{"only ", "once"}, Gate: gate})
	req := request(models.ActionRun, chatCtx, "hi")

	var wg sync.WaitGroup
	envs := make([]models.Envelope, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		envs[0], errs[0] = f.orch.Dispatch(context.Background(), "u1", req, nil)
	}()
	require.Eventually(t, func() bool { return len(f.mock.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		envs[1], errs[1] = f.orch.Dispatch(context.Background(), "u1", req, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "only once", envs[0].Response)
	assert.Equal(t, envs[0].Response, envs[1].Response)
	assert.Len(t, f.mock.Requests(), 1)

	assistant := 0
	for _, turn := range turns(t, f.store, "chat", chatCtx) {
		if turn.Role == models.RoleAssistant {
			assistant++
		}
	}
	assert.Equal(t, 1, assistant)

	// a repeat shortly after completion is answered from the window
	again, err := f.orch.Dispatch(context.Background(), "u1", req, nil)
	require.NoError(t, err)
	assert.Equal(t, "only once", again.Response)
	assert.Len(t, f.mock.Requests(), 1)
}

func TestRun_DuplicateOutlivesFirstCaller(t *testing.T) {
	f := newFixture(t,
		provider.MockRound{Deltas: []string{"never sent"}, Gate: make(chan struct{})},
		provider.MockRound{Deltas: []string{"second ", "attempt"}},
	)
	req := request(models.ActionRun, chatCtx, "hi")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	var firstErr error
	first := make(chan struct{})
	go func() {
		defer close(first)
		_, firstErr = f.orch.Dispatch(firstCtx, "u1", req, nil)
	}()
	require.Eventually(t, func() bool { return len(f.mock.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	var second models.Envelope
	var secondErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, secondErr = f.orch.Dispatch(context.Background(), "u1", req, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	<-first
	<-done

	assert.ErrorIs(t, firstErr, context.Canceled)
	require.NoError(t, secondErr)
	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.Equal(t, "second attempt", second.Response)
	assert.Len(t, f.mock.Requests(), 2)

	got := turns(t, f.store, "chat", chatCtx)
	require.Len(t, got, 2)
	assert.Equal(t, "second attempt", got[1].Content)
}

func TestRun_ProviderFailureIsReported(t *testing.T) {
	f := newFixture(t, provider.MockRound{Err: apperr.New(apperr.KindProviderUnavailable, "upstream down")})
	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionRun, chatCtx, "hi"), nil)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ProviderUnavailable", env.Error.Code)
	assert.True(t, env.Error.Retryable)
	assert.False(t, env.Error.Partial)
	assert.Empty(t, turns(t, f.store, "chat", chatCtx))
}

func TestSimpleButtonAssistance_UsesDefaultInstruction(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionSimpleButtonAssistance, chatCtx, "explain this"), nil)
	require.NoError(t, err)
	reqs := f.mock.Requests()
	require.Len(t, reqs, 1)
	require.NotEmpty(t, reqs[0].Messages)
	assert.Equal(t, provider.RoleSystem, reqs[0].Messages[0].Role)
	assert.Contains(t, reqs[0].Messages[0].Content, ButtonAssistancePrompt)
}

func TestDispatch_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	env, err := f.orch.Dispatch(context.Background(), "u1", request("summon", chatCtx, "x"), nil)
	assert.Equal(t, apperr.KindInvalidAction, apperr.KindOf(err))
	assert.Equal(t, models.StatusRejected, env.Status)
	assert.Equal(t, "InvalidAction", env.Error.Code)

	_, err = f.orch.Dispatch(context.Background(), "u1", request(models.ActionGetRunStatus, eduCtx, ""), nil)
	assert.Equal(t, apperr.KindMissingTaskID, apperr.KindOf(err))

	_, err = f.orch.Dispatch(context.Background(), "u1", request(models.ActionRunAsync, chatCtx, "x"), nil)
	assert.Equal(t, apperr.KindInvalidAction, apperr.KindOf(err))

	env, err = f.orch.Dispatch(context.Background(), "u1", request(models.ActionRun, models.RunContext{CourseID: "nowhere"}, "x"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoConfig, env.Status)
	assert.Empty(t, f.mock.Requests())
}

func TestNew_RejectsBadProfiles(t *testing.T) {
	deps := chain.Deps{Sessions: repository.NewMemorySessionStore(0), Gateway: provider.NewGateway([]provider.Provider{provider.NewEcho("mock")})}
	runner := tasks.NewLocalRunner(repository.NewMemoryTaskStore(), 1)
	defer runner.Shutdown(context.Background())

	bad := testProfiles()
	bad[0].OrchestratorClass = "socratic"
	_, err := New(services.NewConfigResolver(bad), bad, chain.NewRegistry(), deps, runner)
	require.Error(t, err)
	assert.Equal(t, apperr.KindMissingComponent, apperr.KindOf(err))
	assert.Equal(t, []string{ClassDirect, ClassEducatorAssistant, ClassThreaded}, apperr.As(err).Details["known"])
	assert.Equal(t, "chat", apperr.As(err).Details["profile"])

	bad = testProfiles()
	bad[1].ProcessorConfig = []models.StageConfig{{Function: chain.FuncModel, Provider: "gpt-9"}}
	_, err = New(services.NewConfigResolver(bad), bad, chain.NewRegistry(), deps, runner)
	require.Error(t, err)
	assert.Equal(t, "direct", apperr.As(err).Details["profile"])

	bad = testProfiles()
	bad[2].ID = "chat"
	_, err = New(services.NewConfigResolver(bad), bad, chain.NewRegistry(), deps, runner)
	assert.Equal(t, apperr.KindInvalidConfiguration, apperr.KindOf(err))
}

func TestRunAsync_StatusLifecycle(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, provider.MockRound{Deltas: []string{"Q1. ", "Define osmosis."}, Gate: gate})

	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionRunAsync, eduCtx, "make a quiz"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, env.Status)
	require.NotEmpty(t, env.TaskID)

	poll := models.WorkflowRunRequest{Action: models.ActionGetRunStatus, TaskID: env.TaskID, Context: eduCtx}
	status, err := f.orch.Dispatch(context.Background(), "u1", poll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, status.Status)

	close(gate)
	require.Eventually(t, func() bool {
		status, err = f.orch.Dispatch(context.Background(), "u1", poll, nil)
		return err == nil && status.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Q1. Define osmosis.", status.Response)
	assert.Len(t, turns(t, f.store, "edu", eduCtx), 2)

	// other users cannot see the task
	_, err = f.orch.Dispatch(context.Background(), "u2", poll, nil)
	assert.Equal(t, apperr.KindTaskNotFound, apperr.KindOf(err))
}

func TestRunAsync_OneTaskPerSession(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, provider.MockRound{Deltas: []string{"slow"}, Gate: gate})

	var wg sync.WaitGroup
	envs := make([]models.Envelope, 2)
	errs := make([]error, 2)
	for i := range envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request(models.ActionRunAsync, eduCtx, "quiz")
			req.RequestID = []string{"a", "b"}[i]
			envs[i], errs[i] = f.orch.Dispatch(context.Background(), "u1", req, nil)
		}(i)
	}
	wg.Wait()

	var accepted, rejected int
	var taskID string
	for i := range envs {
		switch {
		case errs[i] == nil:
			accepted++
			assert.Equal(t, models.StatusProcessing, envs[i].Status)
			taskID = envs[i].TaskID
		case apperr.KindOf(errs[i]) == apperr.KindTaskAlreadyRunning:
			rejected++
			assert.Equal(t, models.StatusRejected, envs[i].Status)
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, rejected)
	for i := range envs {
		if errs[i] != nil {
			assert.Equal(t, taskID, envs[i].TaskID)
		}
	}

	// the same requestId gets the same handle rather than a rejection
	req := request(models.ActionRunAsync, eduCtx, "quiz")
	for i := range envs {
		if errs[i] == nil {
			req.RequestID = []string{"a", "b"}[i]
		}
	}
	again, err := f.orch.Dispatch(context.Background(), "u1", req, nil)
	require.NoError(t, err)
	assert.Equal(t, taskID, again.TaskID)
}

func TestCancelRun_StopsWrites(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, provider.MockRound{Deltas: []string{"never persisted"}, Gate: gate})

	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionRunAsync, eduCtx, "quiz"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.mock.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	cancelled, err := f.orch.Dispatch(context.Background(), "u1",
		models.WorkflowRunRequest{Action: models.ActionCancelRun, TaskID: env.TaskID, Context: eduCtx}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	status, err := f.orch.Dispatch(context.Background(), "u1",
		models.WorkflowRunRequest{Action: models.ActionGetRunStatus, TaskID: env.TaskID, Context: eduCtx}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status.Status)

	assert.Never(t, func() bool { return len(turns(t, f.store, "edu", eduCtx)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestHistoryActions(t *testing.T) {
	f := newFixture(t)
	session := models.SessionHandle{WorkflowID: "chat", UserID: "u1", ContextKey: chatCtx.Key()}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		_, err := f.store.Append(context.Background(), session, models.ConversationTurn{
			Role: role, Content: fmt.Sprintf("turn-%d", i), Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	current, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionCurrentSessionResponse, chatCtx, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, "turn-49", current.Response)

	seen := map[int64]bool{}
	cursor := ""
	var last int64 = 1 << 62
	for call := 0; call < 4; call++ {
		input, _ := json.Marshal(models.HistoryQuery{Cursor: cursor, PageSize: 10})
		req := models.WorkflowRunRequest{Action: models.ActionLazyLoadChatHistory, Context: chatCtx, UserInput: input}
		env, err := f.orch.Dispatch(context.Background(), "u1", req, nil)
		require.NoError(t, err)
		require.NotNil(t, env.History)
		require.Len(t, env.History.Turns, 10)
		assert.True(t, env.History.HasMore)
		for _, turn := range env.History.Turns {
			assert.Less(t, turn.OriginalIndex, last)
			last = turn.OriginalIndex
			assert.False(t, seen[turn.OriginalIndex])
			seen[turn.OriginalIndex] = true
		}
		cursor = env.History.Cursor
	}
	assert.Len(t, seen, 40)

	bad := models.WorkflowRunRequest{Action: models.ActionLazyLoadChatHistory, Context: chatCtx, UserInput: json.RawMessage(`{"page":3}`)}
	_, err = f.orch.Dispatch(context.Background(), "u1", bad, nil)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	for _, size := range []int{defaultMaxPageSize + 1, math.MaxInt, -1} {
		input, _ := json.Marshal(models.HistoryQuery{PageSize: size})
		env, err := f.orch.Dispatch(context.Background(), "u1",
			models.WorkflowRunRequest{Action: models.ActionLazyLoadChatHistory, Context: chatCtx, UserInput: input}, nil)
		assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err), size)
		assert.Equal(t, models.StatusRejected, env.Status)
	}
	input, _ := json.Marshal(models.HistoryQuery{PageSize: defaultMaxPageSize})
	full, err := f.orch.Dispatch(context.Background(), "u1",
		models.WorkflowRunRequest{Action: models.ActionLazyLoadChatHistory, Context: chatCtx, UserInput: input}, nil)
	require.NoError(t, err)
	assert.Len(t, full.History.Turns, 50)

	cleared, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionClearSession, chatCtx, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cleared.Status)

	env, err := f.orch.Dispatch(context.Background(), "u1", models.WorkflowRunRequest{Action: models.ActionLazyLoadChatHistory, Context: chatCtx}, nil)
	require.NoError(t, err)
	assert.Empty(t, env.History.Turns)
	assert.False(t, env.History.HasMore)

	current, err = f.orch.Dispatch(context.Background(), "u1", request(models.ActionCurrentSessionResponse, chatCtx, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, current.Status)
	assert.Empty(t, current.Response)
}

func TestCurrentResponse_JoinsSplitAnswer(t *testing.T) {
	f := newFixture(t)
	session := models.SessionHandle{WorkflowID: "chat", UserID: "u1", ContextKey: chatCtx.Key()}
	now := time.Now().UTC()
	for _, turn := range []models.ConversationTurn{
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, Content: "first half, "},
		{Role: models.RoleAssistant, Content: "second half"},
	} {
		turn.Timestamp = now
		_, err := f.store.Append(context.Background(), session, turn)
		require.NoError(t, err)
	}
	env, err := f.orch.Dispatch(context.Background(), "u1", request(models.ActionCurrentSessionResponse, chatCtx, ""), nil)
	require.NoError(t, err)
	assert.Equal(t, "first half, second half", env.Response)
}
