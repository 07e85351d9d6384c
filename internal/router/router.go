// Package router maps logical route names to concrete models, enforcing
// per-route and per-model budgets and walking fallback chains on failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/metrics"
	"github.com/example/navi/internal/providers/llm"
	"github.com/example/navi/internal/tokens"
)

const defaultCooldown = 30 * time.Second

// Resolver turns a model identifier into a client and the provider-local model name.
type Resolver interface {
	Resolve(id string) (llm.Client, string, error)
}

type Router struct {
	table    atomic.Pointer[Table]
	ledger   *Ledger
	resolver Resolver
	policy   AdmissionPolicy
	cooldown time.Duration
	hopDelay time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	unhealthy map[string]time.Time
}

type Option func(*Router)

// WithCooldown sets how long a model is skipped after a provider error.
// Zero disables health tracking.
func WithCooldown(d time.Duration) Option {
	return func(r *Router) {
		if d >= 0 {
			r.cooldown = d
		}
	}
}

// WithHopDelay pauses between fallback hops.
func WithHopDelay(d time.Duration) Option {
	return func(r *Router) { r.hopDelay = d }
}

func WithAdmissionPolicy(p AdmissionPolicy) Option {
	return func(r *Router) {
		if p != nil {
			r.policy = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New builds a router over table. The ledger is owned by the caller so that
// schedulers and reporting can share it; a nil ledger gets a private one.
func New(table *Table, ledger *Ledger, resolver Resolver, opts ...Option) *Router {
	if ledger == nil {
		ledger = NewLedger()
	}
	r := &Router{
		ledger:    ledger,
		resolver:  resolver,
		policy:    EstimateGate{},
		cooldown:  defaultCooldown,
		logger:    zap.NewNop(),
		now:       time.Now,
		unhealthy: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if table == nil {
		table = &Table{Routes: map[string]Route{}}
	}
	r.table.Store(table)
	return r
}

// SetTable swaps the active route table. In-flight calls keep the table they started with.
func (r *Router) SetTable(t *Table) {
	if t != nil {
		r.table.Store(t)
	}
}

func (r *Router) Table() *Table { return r.table.Load() }

func (r *Router) Ledger() *Ledger { return r.ledger }

func (r *Router) HasRoute(name string) bool {
	_, ok := r.table.Load().Routes[name]
	return ok
}

// Select returns the first candidate of route that is healthy and within
// budget for a call of estimatedTokens. The primary is gated by the route
// budget and its own model budget; fallbacks by their model budgets only.
func (r *Router) Select(route string, estimatedTokens int) (string, error) {
	t := r.table.Load()
	rt, ok := t.Routes[route]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoute, route)
	}
	var attempts []Attempt
	for i, model := range rt.Candidates() {
		if err := r.admit(t, route, rt, model, i == 0, estimatedTokens); err != nil {
			attempts = append(attempts, Attempt{Model: model, Err: err})
			continue
		}
		return model, nil
	}
	return "", &ExhaustedError{Route: route, Attempts: attempts}
}

func (r *Router) admit(t *Table, route string, rt Route, model string, primary bool, estimate int) error {
	if r.coolingDown(model) {
		return ErrCoolingDown
	}
	est := int64(estimate)
	cost := t.Models[model].Cost(estimate)
	if primary && rt.Budget.Limited() && !r.policy.Admit(rt.Budget, r.ledger.Get(routeKey(route)), est, cost) {
		return fmt.Errorf("%w: route %q", ErrBudgetExceeded, route)
	}
	if mb := t.Models[model].Budget; mb.Limited() && !r.policy.Admit(mb, r.ledger.Get(modelKey(model)), est, cost) {
		return fmt.Errorf("%w: model %q", ErrBudgetExceeded, model)
	}
	return nil
}

// RecordUsage adds a completed call to the route's ledger.
func (r *Router) RecordUsage(route string, actualTokens int, cost float64) {
	r.ledger.Add(routeKey(route), int64(actualTokens), cost)
}

// Result is a successful Complete call.
type Result struct {
	Response *llm.Response
	Model    string
	Tokens   int
	Cost     float64
	Hops     int
}

// Complete sends req through route, trying each candidate at most once.
// Any provider error hops to the next candidate. Only errors that would hit
// every caller (transient, auth, unresolvable model) put the model into
// cooldown; a rejected request does not. Context cancellation returns
// immediately.
func (r *Router) Complete(ctx context.Context, route string, req llm.Request) (*Result, error) {
	t := r.table.Load()
	rt, ok := t.Routes[route]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, route)
	}
	estimate := estimateRequest(req)
	var attempts []Attempt
	hops := 0
	for i, model := range rt.Candidates() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.admit(t, route, rt, model, i == 0, estimate); err != nil {
			attempts = append(attempts, Attempt{Model: model, Err: err})
			continue
		}
		if hops > 0 && r.hopDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.hopDelay):
			}
		}
		resp, err := r.call(ctx, model, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if coolsDown(err) {
				r.markUnhealthy(model)
			}
			attempts = append(attempts, Attempt{Model: model, Err: err})
			hops++
			metrics.FallbackHop(ctx, route, model, string(llm.KindOf(err)))
			r.logger.Warn("model call failed, trying next candidate",
				zap.String("route", route), zap.String("model", model), zap.Error(err))
			continue
		}
		r.MarkHealthy(model)
		used := resp.Usage.Total()
		if used <= 0 {
			used = estimate
		}
		cost := t.Models[model].Cost(used)
		r.RecordUsage(route, used, cost)
		r.ledger.Add(modelKey(model), int64(used), cost)
		metrics.RecordUsage(ctx, route, model, used, cost)
		return &Result{Response: resp, Model: model, Tokens: used, Cost: cost, Hops: hops}, nil
	}
	metrics.RouteExhausted(ctx, route)
	err := &ExhaustedError{Route: route, Attempts: attempts}
	r.logger.Warn("route exhausted", zap.String("route", route), zap.Error(err))
	return nil, err
}

func (r *Router) call(ctx context.Context, model string, req llm.Request) (*llm.Response, error) {
	if r.resolver == nil {
		return nil, errors.New("no model resolver configured")
	}
	client, name, err := r.resolver.Resolve(model)
	if err != nil {
		return nil, err
	}
	req.Model = name
	return client.Generate(ctx, req)
}

// coolsDown reports whether err says something about the model rather than
// about the request that was sent to it.
func coolsDown(err error) bool {
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		return true
	}
	return pe.Transient() || pe.Kind == llm.KindAuth
}

// RetryAfter is how long until some candidate of route leaves cooldown. It is
// zero when a candidate is healthy now or the route is unknown.
func (r *Router) RetryAfter(route string) time.Duration {
	rt, ok := r.table.Load().Routes[route]
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var wait time.Duration
	for _, model := range rt.Candidates() {
		until, ok := r.unhealthy[model]
		if !ok || !now.Before(until) {
			return 0
		}
		if d := until.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return wait
}

func (r *Router) coolingDown(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.unhealthy[model]
	if !ok {
		return false
	}
	if r.now().Before(until) {
		return true
	}
	delete(r.unhealthy, model)
	return false
}

func (r *Router) markUnhealthy(model string) {
	if r.cooldown <= 0 {
		return
	}
	r.mu.Lock()
	r.unhealthy[model] = r.now().Add(r.cooldown)
	r.mu.Unlock()
}

// MarkHealthy clears a model's cooldown.
func (r *Router) MarkHealthy(model string) {
	r.mu.Lock()
	delete(r.unhealthy, model)
	r.mu.Unlock()
}

func estimateRequest(req llm.Request) int {
	n := tokens.Count(req.System)
	for _, m := range req.Messages {
		n += tokens.Count(m.Content)
	}
	if req.MaxTokens > 0 {
		n += req.MaxTokens
	}
	return n
}

// RouteUsage is a reporting view of one route.
type RouteUsage struct {
	Route     string           `json:"route"`
	Primary   string           `json:"primary"`
	Fallbacks []string         `json:"fallbacks,omitempty"`
	Budget    Budget           `json:"budget"`
	Usage     Usage            `json:"usage"`
	Models    map[string]Usage `json:"models"`
	Cooling   []string         `json:"cooling_down,omitempty"`
}

// Usage reports every route with its ledger totals and those of its candidates.
func (r *Router) Usage() []RouteUsage {
	t := r.table.Load()
	out := make([]RouteUsage, 0, len(t.Routes))
	for _, name := range t.RouteNames() {
		rt := t.Routes[name]
		ru := RouteUsage{
			Route:     name,
			Primary:   rt.Primary,
			Fallbacks: rt.Fallbacks,
			Budget:    rt.Budget,
			Usage:     r.ledger.Get(routeKey(name)),
			Models:    map[string]Usage{},
		}
		for _, m := range rt.Candidates() {
			ru.Models[m] = r.ledger.Get(modelKey(m))
			if r.coolingDown(m) {
				ru.Cooling = append(ru.Cooling, m)
			}
		}
		out = append(out, ru)
	}
	return out
}
