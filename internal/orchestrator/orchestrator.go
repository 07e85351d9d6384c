// Package orchestrator runs tasks: it retrieves workspace context, asks the
// planner for actions, executes tools, verifies the result and iterates until
// the task completes or fails. Every task is a stream of typed frames.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/navi/internal/agents"
	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/memory"
	"github.com/example/navi/internal/metrics"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/retrieval"
	"github.com/example/navi/internal/router"
	"github.com/example/navi/internal/tools"
	"github.com/example/navi/internal/workspace"
)

var (
	ErrEmptyMessage = errors.New("message is required")
	ErrShutdown     = errors.New("orchestrator is shutting down")
)

// Retriever is the part of the retrieval engine used during planning.
type Retriever interface {
	Search(ctx context.Context, workspaceID, query string, k int) ([]retrieval.Chunk, bool, error)
}

// Routes reports which logical routes are configured.
type Routes interface {
	HasRoute(name string) bool
}

// cooldowns is implemented by routers that can say when an exhausted route
// will have a usable candidate again.
type cooldowns interface {
	RetryAfter(route string) time.Duration
}

type Workspaces interface {
	Resolve(id string) (workspace.Dir, error)
}

// Config selects capabilities and limits. Zero values take defaults.
type Config struct {
	RAGEnabled          bool
	VerificationEnabled bool
	MemoryEnabled       bool

	MaxIterations            int
	MaxStepsPerIteration     int
	MaxConsecutiveToolErrors int
	ContextTimeout           time.Duration
	ContextChunks            int
	DefaultRoute             string
	DefaultVerifyCommand     string
	// RetryOnRouteExhausted lets the first exhausted route of a task consume
	// an iteration instead of failing the task. The retry waits for the
	// route's earliest cooldown to end, up to RouteRetryMaxWait.
	RetryOnRouteExhausted bool
	RouteRetryMaxWait     time.Duration

	MemoryTimeout time.Duration
	MemoryHistory int
	ArchiveSize   int
	EventBuffer   int
}

const maxIterationsCap = 50

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	c.MaxIterations = clampIterations(c.MaxIterations)
	if c.MaxStepsPerIteration <= 0 {
		c.MaxStepsPerIteration = 24
	}
	if c.MaxConsecutiveToolErrors <= 0 {
		c.MaxConsecutiveToolErrors = 5
	}
	if c.ContextTimeout <= 0 {
		c.ContextTimeout = 10 * time.Second
	}
	if c.ContextChunks <= 0 {
		c.ContextChunks = 8
	}
	if c.DefaultRoute == "" {
		c.DefaultRoute = "code"
	}
	if c.RouteRetryMaxWait <= 0 {
		c.RouteRetryMaxWait = time.Minute
	}
	if c.MemoryTimeout <= 0 {
		c.MemoryTimeout = 5 * time.Second
	}
	if c.MemoryHistory <= 0 {
		c.MemoryHistory = 3
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

func clampIterations(n int) int {
	switch {
	case n < 1:
		return 1
	case n > maxIterationsCap:
		return maxIterationsCap
	}
	return n
}

type Option func(*Orchestrator)

func WithRetriever(r Retriever) Option { return func(o *Orchestrator) { o.retriever = r } }
func WithVerifier(v agents.Verifier) Option { return func(o *Orchestrator) { o.verifier = v } }
func WithMemory(s memory.Store) Option { return func(o *Orchestrator) { o.memory = s } }
func WithRoutes(r Routes) Option { return func(o *Orchestrator) { o.routes = r } }
func WithWorkspaces(w Workspaces) Option { return func(o *Orchestrator) { o.workspaces = w } }
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = logging.OrNop(l) } }

type Orchestrator struct {
	planner    agents.Planner
	executor   agents.Executor
	verifier   agents.Verifier
	retriever  Retriever
	memory     memory.Store
	routes     Routes
	workspaces Workspaces
	cfg        Config
	logger     *zap.Logger

	hub *Hub
	reg *registry

	// base outlives callers; Shutdown cancels it and waits for every task.
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

func New(planner agents.Planner, executor agents.Executor, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		planner:    planner,
		executor:   executor,
		cfg:        cfg,
		logger:     zap.NewNop(),
		workspaces: workspace.Resolver{},
		hub:        NewHub(),
		reg:        newRegistry(cfg.ArchiveSize),
		base:       base,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Config() Config { return o.cfg }

// Run starts a task and returns its frames. The channel is closed after the
// terminal frame, or without one when ctx is cancelled first.
func (o *Orchestrator) Run(ctx context.Context, req models.Request) (<-chan models.Event, error) {
	_, out, err := o.launch(ctx, req)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Start runs a task detached from the caller and returns its id. Frames are
// available to watchers through Subscribe.
func (o *Orchestrator) Start(req models.Request) (string, error) {
	run, out, err := o.launch(o.base, req)
	if err != nil {
		return "", err
	}
	go func() {
		for range out {
		}
	}()
	return run.task.ID, nil
}

func (o *Orchestrator) launch(ctx context.Context, req models.Request) (*taskRun, chan models.Event, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, nil, ErrEmptyMessage
	}
	dir, err := o.workspaces.Resolve(req.Workspace)
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, ErrShutdown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	now := time.Now()
	maxIter := o.cfg.MaxIterations
	if req.MaxIterations > 0 {
		maxIter = clampIterations(req.MaxIterations)
	}
	task := &models.Task{
		ID:            uuid.NewString(),
		Request:       msg,
		Workspace:     req.Workspace,
		Route:         o.routeFor(req.ModelHint),
		Status:        models.StatusPlanning,
		Iteration:     1,
		MaxIterations: maxIter,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.cfg.VerificationEnabled && o.verifier != nil && (req.Verify || req.VerifyCommand != "") {
		task.VerifyCommand = req.VerifyCommand
		if task.VerifyCommand == "" {
			task.VerifyCommand = o.cfg.DefaultVerifyCommand
		}
		if task.VerifyCommand == "" {
			o.logger.Warn("verification requested without a command, skipping", zap.String("task", task.ID))
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(o.base, cancel)
	stopTask := func() {
		unlink()
		cancel()
	}
	run := &taskRun{
		task:      task,
		cancel:    stopTask,
		env:       tools.Env{Workspace: dir},
		history:   append([]models.Message(nil), req.History...),
		verifyCmd: task.VerifyCommand,
	}
	o.reg.add(run)

	out := make(chan models.Event, o.cfg.EventBuffer)
	em := &emitter{taskID: task.ID, ctx: taskCtx, out: out, hub: o.hub}
	go o.loop(taskCtx, run, em)
	return run, out, nil
}

// routeFor honours a model hint only when it names a configured route.
func (o *Orchestrator) routeFor(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint != "" && o.routes != nil && o.routes.HasRoute(hint) {
		return hint
	}
	return o.cfg.DefaultRoute
}

// Cancel stops a running task. Its stream closes without a terminal frame.
func (o *Orchestrator) Cancel(id string) bool { return o.reg.cancel(id) }

func (o *Orchestrator) GetTask(id string) (*models.Task, bool) { return o.reg.get(id) }

func (o *Orchestrator) ListTasks() []*models.Task { return o.reg.list() }

// Subscribe watches a running task. For unknown or finished tasks the returned
// channel is already closed.
func (o *Orchestrator) Subscribe(id string) (<-chan models.Event, func()) {
	o.reg.mu.RLock()
	defer o.reg.mu.RUnlock()
	if _, ok := o.reg.active[id]; !ok {
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}
	return o.hub.Subscribe(id)
}

// Shutdown cancels every running task and waits for them to wind down.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcome is how a task ended. A cancelled task emits nothing further.
type outcome struct {
	status    models.Status
	summary   string
	answer    string
	asError   bool
	cancelled bool
}

func (o *Orchestrator) loop(ctx context.Context, run *taskRun, em *emitter) {
	defer o.wg.Done()
	defer run.cancel()
	defer em.close()

	logger := o.logger.With(zap.String("task", run.task.ID), zap.String("workspace", run.task.Workspace))
	start := time.Now()
	res := o.drive(ctx, run, em, logger)

	if res.cancelled {
		res.status = models.StatusFailed
		res.summary = "cancelled"
	}
	run.update(func(t *models.Task) {
		t.Status = res.status
		t.Summary = res.summary
	})
	metrics.TaskFinished(context.WithoutCancel(ctx), string(res.status))
	logger.Info("task finished",
		zap.String("status", string(res.status)),
		zap.Bool("cancelled", res.cancelled),
		zap.Duration("took", time.Since(start)))

	if !res.cancelled {
		o.remember(ctx, run, res, logger)
		if res.asError {
			em.emit(errorEvent(res.summary))
		} else {
			em.emit(completeEvent(res.summary, res.status == models.StatusCompleted))
		}
	}
	o.reg.finish(run)
}

func (o *Orchestrator) drive(ctx context.Context, run *taskRun, em *emitter, logger *zap.Logger) outcome {
	cancelled := outcome{cancelled: true}
	if !em.emit(statusEvent(models.StatusPlanning)) {
		return cancelled
	}
	o.loadHistory(ctx, run, logger)
	chunks, hadIndex := o.retrieve(ctx, run, logger)
	if ctx.Err() != nil {
		return cancelled
	}

	retried := false
	for {
		snap := run.snapshot()
		run.update(func(t *models.Task) {
			t.Status = models.StatusExecuting
			t.Iterations = append(t.Iterations, models.Iteration{Seq: t.Iteration, Route: t.Route})
		})
		if !em.emit(statusEvent(models.StatusExecuting)) {
			return cancelled
		}

		answer, err := o.execute(ctx, run, em, chunks, hadIndex)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return cancelled
		case errors.Is(err, router.ErrRouteExhausted) && o.cfg.RetryOnRouteExhausted && !retried && snap.Iteration < snap.MaxIterations:
			retried = true
			logger.Warn("route exhausted, retrying in next iteration", zap.Error(err))
			o.endIteration(run, "route_exhausted", nil)
			if !em.emit(iterationEvent(snap.Iteration, snap.MaxIterations, err.Error())) {
				return cancelled
			}
			run.update(func(t *models.Task) { t.Iteration++ })
			if !o.waitForRoute(ctx, snap.Route, logger) {
				return cancelled
			}
			continue
		default:
			logger.Warn("task failed", zap.Error(err))
			o.endIteration(run, terminationFor(err), nil)
			return outcome{status: models.StatusFailed, summary: err.Error(), asError: true}
		}

		if run.verifyCmd == "" {
			o.endIteration(run, "completed", nil)
			return outcome{status: models.StatusCompleted, summary: answer, answer: answer}
		}

		run.update(func(t *models.Task) { t.Status = models.StatusVerifying })
		if !em.emit(statusEvent(models.StatusVerifying)) {
			return cancelled
		}
		vr, err := o.verifier.Verify(ctx, run.verifyCmd, run.env.Workspace)
		if err != nil {
			return cancelled
		}
		diag := agents.Diagnostic(vr)
		run.update(func(t *models.Task) {
			t.History = append(t.History, models.HistoryEntry{Kind: models.EntryVerification, Content: verificationFeedback(vr)})
		})
		if !em.emit(models.Event{Type: models.EventVerification, Status: vr.Tag, Message: diag}) {
			return cancelled
		}
		if vr.Passed {
			o.endIteration(run, "verified", &vr)
			return outcome{status: models.StatusCompleted, summary: answer, answer: answer}
		}
		o.endIteration(run, "verification_"+vr.Tag, &vr)

		run.update(func(t *models.Task) { t.Status = models.StatusFixing })
		if !em.emit(statusEvent(models.StatusFixing)) {
			return cancelled
		}
		cur := run.snapshot()
		if !em.emit(iterationEvent(cur.Iteration, cur.MaxIterations, diag)) {
			return cancelled
		}
		if cur.Iteration >= cur.MaxIterations {
			summary := fmt.Sprintf("verification still failing after %d iterations: %s", cur.Iteration, diag)
			return outcome{status: models.StatusFailed, summary: summary, answer: answer}
		}
		run.update(func(t *models.Task) { t.Iteration++ })
	}
}

// execute drives the planner until it gives a final answer.
func (o *Orchestrator) execute(ctx context.Context, run *taskRun, em *emitter, chunks []retrieval.Chunk, hadIndex bool) (string, error) {
	toolErrors := 0
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if step >= o.cfg.MaxStepsPerIteration {
			return "", &stepLimitError{limit: o.cfg.MaxStepsPerIteration}
		}
		snap := run.snapshot()
		dec, err := o.planner.Next(ctx, agents.PlanInput{
			Task:     snap,
			History:  run.history,
			Chunks:   chunks,
			HadIndex: hadIndex,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		run.update(func(t *models.Task) {
			last := &t.Iterations[len(t.Iterations)-1]
			if dec.Model != "" && !slices.Contains(last.Models, dec.Model) {
				last.Models = append(last.Models, dec.Model)
			}
			last.Tokens += dec.Tokens
			last.Hops += dec.Hops
		})
		action := dec.Action
		if action.Kind == models.ActionToolCall && action.Call == nil {
			action.Kind = models.ActionNarration
		}
		switch action.Kind {
		case models.ActionToolCall:
			call := *action.Call
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", snap.Iteration, step+1)
			}
			run.update(func(t *models.Task) {
				t.History = append(t.History, models.HistoryEntry{Kind: models.EntryToolCall, Call: &call})
				last := &t.Iterations[len(t.Iterations)-1]
				last.ToolCalls = append(last.ToolCalls, call)
			})
			if !em.emit(models.Event{Type: models.EventToolCall, Name: call.Name, Input: call.Input}) {
				return "", context.Canceled
			}
			res := o.executor.Execute(ctx, run.env, call)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			run.update(func(t *models.Task) {
				t.History = append(t.History, models.HistoryEntry{Kind: models.EntryToolResult, Result: &res})
			})
			if !em.emit(models.Event{Type: models.EventToolResult, Name: res.Name, Summary: res.Summary}) {
				return "", context.Canceled
			}
			if res.OK {
				toolErrors = 0
				continue
			}
			toolErrors++
			if toolErrors >= o.cfg.MaxConsecutiveToolErrors {
				return "", &toolFailureError{count: toolErrors, last: res.Summary}
			}
		case models.ActionFinal:
			run.update(func(t *models.Task) {
				t.History = append(t.History, models.HistoryEntry{Kind: models.EntryAnswer, Content: action.Text})
			})
			if action.Text != "" && !em.emit(textEvent(action.Text)) {
				return "", context.Canceled
			}
			return action.Text, nil
		default:
			run.update(func(t *models.Task) {
				t.History = append(t.History, models.HistoryEntry{Kind: models.EntryNarration, Content: action.Text})
			})
			if !em.emit(textEvent(action.Text)) {
				return "", context.Canceled
			}
		}
	}
}

// retrieve fetches context for planning. A slow index never holds the task
// up for longer than ContextTimeout; the task proceeds without context.
func (o *Orchestrator) retrieve(ctx context.Context, run *taskRun, logger *zap.Logger) ([]retrieval.Chunk, bool) {
	if !o.cfg.RAGEnabled || o.retriever == nil {
		return nil, false
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ContextTimeout)
	defer cancel()

	type result struct {
		chunks   []retrieval.Chunk
		hadIndex bool
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		chunks, had, err := o.retriever.Search(rctx, run.task.Workspace, run.task.Request, o.cfg.ContextChunks)
		ch <- result{chunks, had, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			logger.Warn("context retrieval failed, continuing without context", zap.Error(r.err))
			return nil, false
		}
		if !r.hadIndex {
			logger.Info("workspace not indexed yet, continuing without context")
		}
		return r.chunks, r.hadIndex
	case <-rctx.Done():
		if ctx.Err() == nil {
			logger.Warn("context retrieval timed out, continuing without context",
				zap.Duration("timeout", o.cfg.ContextTimeout))
		}
		return nil, false
	}
}

// loadHistory seeds the conversation from memory when the caller sent none.
func (o *Orchestrator) loadHistory(ctx context.Context, run *taskRun, logger *zap.Logger) {
	if !o.cfg.MemoryEnabled || o.memory == nil || len(run.history) > 0 {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, o.cfg.MemoryTimeout)
	defer cancel()
	recent, err := o.memory.Recent(mctx, run.task.Workspace, o.cfg.MemoryHistory)
	if err != nil {
		logger.Warn("could not load conversation memory", zap.Error(err))
		return
	}
	for _, ex := range recent {
		run.history = append(run.history,
			models.Message{Role: "user", Content: ex.User},
			models.Message{Role: "assistant", Content: ex.Assistant})
	}
}

// remember hands the final exchange to memory. Failures never affect the task.
func (o *Orchestrator) remember(ctx context.Context, run *taskRun, res outcome, logger *zap.Logger) {
	if !o.cfg.MemoryEnabled || o.memory == nil {
		return
	}
	assistant := res.answer
	if assistant == "" {
		assistant = res.summary
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.MemoryTimeout)
	defer cancel()
	err := o.memory.Save(mctx, memory.Exchange{
		TaskID:    run.task.ID,
		Workspace: run.task.Workspace,
		User:      run.task.Request,
		Assistant: assistant,
		Success:   res.status == models.StatusCompleted,
		CreatedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("could not save exchange to memory", zap.Error(err))
	}
}

// waitForRoute sleeps until some candidate of route is out of cooldown. It
// returns false when ctx ends first.
func (o *Orchestrator) waitForRoute(ctx context.Context, route string, logger *zap.Logger) bool {
	c, ok := o.routes.(cooldowns)
	if !ok {
		return true
	}
	wait := min(c.RetryAfter(route), o.cfg.RouteRetryMaxWait)
	if wait <= 0 {
		return true
	}
	logger.Info("waiting for route cooldown", zap.String("route", route), zap.Duration("wait", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (o *Orchestrator) endIteration(run *taskRun, reason string, vr *models.VerificationResult) {
	run.update(func(t *models.Task) {
		if len(t.Iterations) == 0 {
			return
		}
		last := &t.Iterations[len(t.Iterations)-1]
		last.Termination = reason
		last.Verification = vr
	})
}

func iterationEvent(current, limit int, reason string) models.Event {
	return models.Event{Type: models.EventIteration, Current: current, Max: limit, Reason: reason}
}

func verificationFeedback(vr models.VerificationResult) string {
	if vr.Passed {
		return agents.Diagnostic(vr)
	}
	return fmt.Sprintf("Verification %s.\n%s\nFix the problem and answer again.", agents.Diagnostic(vr), vr.Output)
}

type stepLimitError struct{ limit int }

func (e *stepLimitError) Error() string {
	return fmt.Sprintf("no final answer after %d model steps", e.limit)
}

type toolFailureError struct {
	count int
	last  string
}

func (e *toolFailureError) Error() string {
	return fmt.Sprintf("giving up after %d consecutive tool errors (last: %s)", e.count, e.last)
}

func terminationFor(err error) string {
	var steps *stepLimitError
	var toolErr *toolFailureError
	switch {
	case errors.Is(err, router.ErrRouteExhausted):
		return "route_exhausted"
	case errors.As(err, &steps):
		return "step_limit"
	case errors.As(err, &toolErr):
		return "tool_errors"
	}
	return "model_error"
}
