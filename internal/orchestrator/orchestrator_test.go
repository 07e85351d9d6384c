package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/navi/internal/agents"
	"github.com/example/navi/internal/memory"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/providers/llm"
	"github.com/example/navi/internal/retrieval"
	"github.com/example/navi/internal/router"
	"github.com/example/navi/internal/tools"
	"github.com/example/navi/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type plannerFunc func(ctx context.Context, in agents.PlanInput) (agents.Decision, error)

func (f plannerFunc) Next(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
	return f(ctx, in)
}

type executorFunc func(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult

func (f executorFunc) Execute(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult {
	return f(ctx, env, call)
}

func final(text string) agents.Decision {
	return agents.Decision{Action: models.Action{Kind: models.ActionFinal, Text: text}}
}

func toolCall(name string, input map[string]any) agents.Decision {
	return agents.Decision{Action: models.Action{Kind: models.ActionToolCall, Call: &models.ToolCall{Name: name, Input: input}}}
}

var noTools = executorFunc(func(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult {
	return models.ToolResult{CallID: call.ID, Name: call.Name, OK: true, Summary: "ok"}
})

type routeSet map[string]bool

func (r routeSet) HasRoute(name string) bool { return r[name] }

func newOrchestrator(t *testing.T, p agents.Planner, e agents.Executor, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(p, e, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Shutdown(ctx))
	})
	return o
}

func collect(t *testing.T, ch <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d frames", len(out))
		}
	}
}

func phases(events []models.Event) []models.Status {
	var out []models.Status
	for _, ev := range events {
		if ev.Type == models.EventStatus {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func ofType(events []models.Event, typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func assertWellFormed(t *testing.T, events []models.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq, "frame %d", i)
		assert.Equal(t, events[0].TaskID, ev.TaskID)
		if ev.Type.Terminal() {
			assert.Equal(t, len(events)-1, i, "terminal frame must be last")
		}
	}
}

func writeWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func mockRouter() *router.Router {
	reg := llm.NewRegistry()
	reg.Register("mock", func(string) llm.Client { return &llm.MockClient{} })
	return router.New(router.DefaultTable(nil), router.NewLedger(), reg)
}

func TestColdWorkspaceAnswersWithoutContextThenUsesIndex(t *testing.T) {
	root := writeWorkspace(t, map[string]string{
		"x/x.go":    "package x\n\n// Module X parses widgets and reports their sizes.\nfunc Parse() {}\n",
		"README.md": "# demo\n",
	})
	engine := retrieval.New(workspace.Resolver{}, retrieval.Options{})
	t.Cleanup(engine.Close)

	r := mockRouter()
	o := newOrchestrator(t,
		&agents.LLMPlanner{Router: r},
		&agents.ToolExecutor{Registry: tools.NewDefault(tools.Options{Search: engine}, nil)},
		Config{RAGEnabled: true},
		WithRetriever(engine), WithRoutes(r))

	ch, err := o.Run(context.Background(), models.Request{Message: "Explain the codebase", Workspace: root})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	assert.Equal(t, models.StatusPlanning, events[0].Phase)
	texts := ofType(events, models.EventText)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0].Text, "No indexed workspace context")
	last := events[len(events)-1]
	assert.Equal(t, models.EventComplete, last.Type)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, engine.Wait(ctx, root))
	st, err := engine.Status(root)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Jobs)
	assert.True(t, st.Indexed)

	ch, err = o.Run(context.Background(), models.Request{Message: "What does module X do?", Workspace: root})
	require.NoError(t, err)
	events = collect(t, ch)
	assertWellFormed(t, events)
	texts = ofType(events, models.EventText)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0].Text, "x/x.go")
	assert.True(t, *events[len(events)-1].Success)
}

func TestFailingVerificationExhaustsIterations(t *testing.T) {
	root := t.TempDir()
	var calls int
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		calls++
		return final("patched"), nil
	})
	o := newOrchestrator(t, p, noTools,
		Config{VerificationEnabled: true},
		WithVerifier(&agents.CommandVerifier{Timeout: 10 * time.Second}))

	ch, err := o.Run(context.Background(), models.Request{
		Message:       "fix the build",
		Workspace:     root,
		VerifyCommand: "echo broken >&2; exit 1",
		MaxIterations: 2,
	})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	assert.Equal(t, []models.Status{
		models.StatusPlanning,
		models.StatusExecuting, models.StatusVerifying, models.StatusFixing,
		models.StatusExecuting, models.StatusVerifying, models.StatusFixing,
	}, phases(events))

	iters := ofType(events, models.EventIteration)
	require.Len(t, iters, 2)
	assert.Equal(t, 1, iters[0].Current)
	assert.Equal(t, 2, iters[1].Current)
	assert.Equal(t, 2, iters[1].Max)
	assert.Contains(t, iters[1].Reason, "exit code 1")

	for _, v := range ofType(events, models.EventVerification) {
		assert.Equal(t, agents.TagFail, v.Status)
	}
	last := events[len(events)-1]
	assert.Equal(t, models.EventComplete, last.Type)
	assert.False(t, *last.Success)
	assert.Equal(t, 2, calls)

	task, ok := o.GetTask(events[0].TaskID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, 2, task.Iteration)
	require.Len(t, task.Iterations, 2)
	assert.Equal(t, "verification_fail", task.Iterations[1].Termination)
	assert.LessOrEqual(t, task.Iteration, task.MaxIterations)
}

func TestVerificationFeedbackReachesPlanner(t *testing.T) {
	root := t.TempDir()
	marker := filepath.Join(root, "fixed")
	var sawFeedback bool
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		for _, h := range in.Task.History {
			if h.Kind == models.EntryVerification {
				sawFeedback = true
				assert.NoError(t, os.WriteFile(marker, nil, 0o644))
			}
		}
		return final("done"), nil
	})
	o := newOrchestrator(t, p, noTools,
		Config{VerificationEnabled: true, DefaultVerifyCommand: "test -f fixed"},
		WithVerifier(&agents.CommandVerifier{}))

	ch, err := o.Run(context.Background(), models.Request{Message: "make it pass", Workspace: root, Verify: true})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	assert.True(t, sawFeedback)
	assert.Len(t, ofType(events, models.EventIteration), 1)
	last := events[len(events)-1]
	assert.True(t, *last.Success)
	assert.Equal(t, "done", last.Summary)
}

type failingClient struct{}

func (failingClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return nil, &llm.ProviderError{Provider: "fake", Kind: llm.KindTimeout, Err: context.DeadlineExceeded}
}

type failingResolver struct{}

func (failingResolver) Resolve(id string) (llm.Client, string, error) { return failingClient{}, id, nil }

func TestRouteExhaustedFailsTask(t *testing.T) {
	table := &router.Table{Routes: map[string]router.Route{
		"code": {Primary: "modelA", Fallbacks: []string{"modelB"}},
	}}
	r := router.New(table, router.NewLedger(), failingResolver{})
	o := newOrchestrator(t, &agents.LLMPlanner{Router: r}, noTools, Config{}, WithRoutes(r))

	ch, err := o.Run(context.Background(), models.Request{Message: "hello", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	last := events[len(events)-1]
	assert.Equal(t, models.EventError, last.Type)
	assert.Contains(t, last.Message, "exhausted")

	_, err = r.Select("code", 10)
	assert.ErrorIs(t, err, router.ErrRouteExhausted)

	task, _ := o.GetTask(last.TaskID)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, "route_exhausted", task.Iterations[0].Termination)
}

func TestRouteExhaustedRetriedOnce(t *testing.T) {
	var calls int
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		calls++
		if calls == 1 {
			return agents.Decision{}, &router.ExhaustedError{Route: "code"}
		}
		return final("recovered"), nil
	})
	o := newOrchestrator(t, p, noTools, Config{RetryOnRouteExhausted: true})

	ch, err := o.Run(context.Background(), models.Request{Message: "hello", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	iters := ofType(events, models.EventIteration)
	require.Len(t, iters, 1)
	assert.Contains(t, iters[0].Reason, "exhausted")
	assert.True(t, *events[len(events)-1].Success)
}

// recoveringResolver times out on the first call and answers afterwards.
type recoveringResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *recoveringResolver) Resolve(id string) (llm.Client, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		return failingClient{}, id, nil
	}
	return &llm.MockClient{}, id, nil
}

func TestRouteRetryWaitsForCooldown(t *testing.T) {
	table := &router.Table{Routes: map[string]router.Route{"code": {Primary: "modelA"}}}
	const cooldown = 150 * time.Millisecond
	r := router.New(table, router.NewLedger(), &recoveringResolver{}, router.WithCooldown(cooldown))
	o := newOrchestrator(t, &agents.LLMPlanner{Router: r}, noTools,
		Config{RetryOnRouteExhausted: true}, WithRoutes(r))

	start := time.Now()
	ch, err := o.Run(context.Background(), models.Request{Message: "hello", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	last := events[len(events)-1]
	require.Equal(t, models.EventComplete, last.Type)
	assert.True(t, *last.Success)
	assert.GreaterOrEqual(t, time.Since(start), cooldown)

	task, _ := o.GetTask(last.TaskID)
	require.Len(t, task.Iterations, 2)
	assert.Equal(t, "route_exhausted", task.Iterations[0].Termination)
	assert.Equal(t, []string{"modelA"}, task.Iterations[1].Models)
}

func TestIterationRecordsServingModel(t *testing.T) {
	var step int
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		step++
		if step == 1 {
			d := toolCall("read_file", map[string]any{"path": "x"})
			d.Model, d.Tokens = "primary", 30
			return d, nil
		}
		d := final("done")
		d.Model, d.Tokens, d.Hops = "fallback", 12, 1
		return d, nil
	})
	o := newOrchestrator(t, p, noTools, Config{})

	ch, err := o.Run(context.Background(), models.Request{Message: "hi", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)

	task, _ := o.GetTask(events[0].TaskID)
	require.Len(t, task.Iterations, 1)
	it := task.Iterations[0]
	assert.Equal(t, []string{"primary", "fallback"}, it.Models)
	assert.Equal(t, 42, it.Tokens)
	assert.Equal(t, 1, it.Hops)
}

func TestToolErrorsAreFedBack(t *testing.T) {
	var step int
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		step++
		if step == 1 {
			return toolCall("read_file", map[string]any{"path": "missing.go"}), nil
		}
		last := in.Task.History[len(in.Task.History)-1]
		if assert.Equal(t, models.EntryToolResult, last.Kind) {
			assert.False(t, last.Result.OK)
		}
		return final("the file does not exist"), nil
	})
	e := executorFunc(func(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult {
		assert.NotEmpty(t, call.ID)
		return models.ToolResult{CallID: call.ID, Name: call.Name, ErrorKind: "ExecutionFailed", Summary: "ExecutionFailed: no such file"}
	})
	o := newOrchestrator(t, p, e, Config{})

	ch, err := o.Run(context.Background(), models.Request{Message: "read it", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	calls := ofType(events, models.EventToolCall)
	results := ofType(events, models.EventToolResult)
	require.Len(t, calls, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "ExecutionFailed: no such file", results[0].Summary)
	assert.True(t, *events[len(events)-1].Success)
}

func TestConsecutiveToolErrorsAreFatal(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		return toolCall("run_command", map[string]any{"command": "false"}), nil
	})
	e := executorFunc(func(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult {
		return models.ToolResult{CallID: call.ID, Name: call.Name, Summary: "ExecutionFailed: exit 1"}
	})
	o := newOrchestrator(t, p, e, Config{MaxConsecutiveToolErrors: 3})

	ch, err := o.Run(context.Background(), models.Request{Message: "loop", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	assert.Len(t, ofType(events, models.EventToolResult), 3)
	last := events[len(events)-1]
	assert.Equal(t, models.EventError, last.Type)
	assert.Contains(t, last.Message, "3 consecutive tool errors")
}

func TestStepLimit(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		return agents.Decision{Action: models.Action{Kind: models.ActionNarration, Text: "thinking"}}, nil
	})
	o := newOrchestrator(t, p, noTools, Config{MaxStepsPerIteration: 3})

	ch, err := o.Run(context.Background(), models.Request{Message: "ponder", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assertWellFormed(t, events)

	assert.Len(t, ofType(events, models.EventText), 3)
	last := events[len(events)-1]
	assert.Equal(t, models.EventError, last.Type)
	assert.Contains(t, last.Message, "no final answer after 3 model steps")
}

func TestCancelEmitsNoTerminalFrame(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return agents.Decision{}, ctx.Err()
	})
	o := newOrchestrator(t, p, noTools, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Run(ctx, models.Request{Message: "hang", Workspace: t.TempDir()})
	require.NoError(t, err)
	<-started
	cancel()
	events := collect(t, ch)

	for _, ev := range events {
		assert.False(t, ev.Type.Terminal(), "unexpected %s frame", ev.Type)
	}
	task, ok := o.GetTask(events[0].TaskID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, "cancelled", task.Summary)
}

func TestStartCancelAndWatch(t *testing.T) {
	started := make(chan struct{})
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		close(started)
		<-ctx.Done()
		return agents.Decision{}, ctx.Err()
	})
	o := newOrchestrator(t, p, noTools, Config{})

	id, err := o.Start(models.Request{Message: "background", Workspace: t.TempDir()})
	require.NoError(t, err)
	<-started
	watch, unsubscribe := o.Subscribe(id)
	defer unsubscribe()

	require.True(t, o.Cancel(id))
	for ev := range watch {
		assert.False(t, ev.Type.Terminal())
	}

	require.Eventually(t, func() bool {
		task, ok := o.GetTask(id)
		return ok && task.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, o.Cancel(id))

	closed, _ := o.Subscribe(id)
	_, open := <-closed
	assert.False(t, open)
}

func TestModelHintSelectsConfiguredRoute(t *testing.T) {
	var routes []string
	var mu sync.Mutex
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		mu.Lock()
		routes = append(routes, in.Task.Route)
		mu.Unlock()
		return final("ok"), nil
	})
	o := newOrchestrator(t, p, noTools, Config{}, WithRoutes(routeSet{"plan": true, "code": true}))

	for _, hint := range []string{"plan", "gpt-unknown", ""} {
		ch, err := o.Run(context.Background(), models.Request{Message: "hi", Workspace: t.TempDir(), ModelHint: hint})
		require.NoError(t, err)
		collect(t, ch)
	}
	assert.Equal(t, []string{"plan", "code", "code"}, routes)
}

type slowRetriever struct{}

func (slowRetriever) Search(ctx context.Context, ws, q string, k int) ([]retrieval.Chunk, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestRetrievalTimeoutProceedsWithoutContext(t *testing.T) {
	var hadIndex = true
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		hadIndex = in.HadIndex
		return final("answered"), nil
	})
	o := newOrchestrator(t, p, noTools,
		Config{RAGEnabled: true, ContextTimeout: 50 * time.Millisecond},
		WithRetriever(slowRetriever{}))

	start := time.Now()
	ch, err := o.Run(context.Background(), models.Request{Message: "quick", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, hadIndex)
	assert.True(t, *events[len(events)-1].Success)
}

type brokenStore struct{ memory.Store }

func (brokenStore) Save(ctx context.Context, ex memory.Exchange) error { return errors.New("db down") }

func TestMemoryRoundTrip(t *testing.T) {
	root := t.TempDir()
	var seen [][]models.Message
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		seen = append(seen, in.History)
		return final("answer to " + in.Task.Request), nil
	})
	store := memory.NewInMemoryStore(10)
	o := newOrchestrator(t, p, noTools, Config{MemoryEnabled: true}, WithMemory(store))

	for _, msg := range []string{"first", "second"} {
		ch, err := o.Run(context.Background(), models.Request{Message: msg, Workspace: root})
		require.NoError(t, err)
		collect(t, ch)
	}
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	assert.Equal(t, []models.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "answer to first"},
	}, seen[1])

	saved, err := store.Recent(context.Background(), root, 10)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestMemoryFailureDoesNotFailTask(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		return final("fine"), nil
	})
	o := newOrchestrator(t, p, noTools, Config{MemoryEnabled: true},
		WithMemory(brokenStore{Store: memory.NewInMemoryStore(1)}))

	ch, err := o.Run(context.Background(), models.Request{Message: "hi", Workspace: t.TempDir()})
	require.NoError(t, err)
	events := collect(t, ch)
	assert.True(t, *events[len(events)-1].Success)
}

func TestRunValidatesRequest(t *testing.T) {
	o := newOrchestrator(t, plannerFunc(nil), noTools, Config{})

	_, err := o.Run(context.Background(), models.Request{Workspace: t.TempDir()})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = o.Run(context.Background(), models.Request{Message: "hi", Workspace: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestListTasksNewestFirst(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, in agents.PlanInput) (agents.Decision, error) {
		return final("ok"), nil
	})
	o := newOrchestrator(t, p, noTools, Config{ArchiveSize: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		ch, err := o.Run(context.Background(), models.Request{Message: "hi", Workspace: t.TempDir()})
		require.NoError(t, err)
		events := collect(t, ch)
		ids = append(ids, events[0].TaskID)
		time.Sleep(2 * time.Millisecond)
	}
	tasks := o.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, ids[2], tasks[0].ID)
	assert.Equal(t, ids[1], tasks[1].ID)
	_, ok := o.GetTask(ids[0])
	assert.False(t, ok)
}

func TestClampIterations(t *testing.T) {
	assert.Equal(t, 1, clampIterations(-3))
	assert.Equal(t, 50, clampIterations(500))
	assert.Equal(t, 10, Config{}.withDefaults().MaxIterations)
}
