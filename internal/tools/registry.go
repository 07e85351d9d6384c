package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/metrics"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/tokens"
)

// maxResultTokens bounds tool output kept in task history.
const maxResultTokens = 4000

type Registry struct {
	mu     sync.RWMutex
	tools  map[Kind]Tool
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{tools: map[Kind]Tool{}, logger: logging.OrNop(logger)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Kind()] = t
}

func (r *Registry) Get(kind Kind) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[kind]
	return t, ok
}

// Kinds lists registered tools in name order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.tools))
	for k := range r.tools {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs call and always returns exactly one result for it. Failures
// are reported in the result, never as a Go error.
func (r *Registry) Execute(ctx context.Context, env Env, call models.ToolCall) models.ToolResult {
	res := models.ToolResult{CallID: call.ID, Name: call.Name}
	kind, ok := ParseKind(call.Name)
	var tool Tool
	if ok {
		tool, ok = r.Get(kind)
	}
	if !ok {
		return failed(res, newError(InvalidParameters, "unknown tool %q", call.Name), "")
	}
	inputs := call.Input
	if inputs == nil {
		inputs = map[string]any{}
	}

	out, err := r.run(ctx, tool, env, inputs)
	metrics.ToolExecuted(ctx, string(kind), err == nil)
	if err != nil {
		r.logger.Debug("tool failed", zap.String("tool", call.Name), zap.String("workspace", env.Workspace.ID), zap.Error(err))
		return failed(res, err, out.Text)
	}
	res.OK = true
	res.Output = tokens.Truncate(out.Text, maxResultTokens)
	res.Summary = out.Summary
	return res
}

func (r *Registry) run(ctx context.Context, tool Tool, env Env, inputs map[string]any) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", string(tool.Kind())), zap.Any("panic", p))
			err = newError(ExecutionFailed, "tool %s panicked", tool.Kind())
		}
	}()
	return tool.Execute(ctx, env, inputs)
}

func failed(res models.ToolResult, err error, output string) models.ToolResult {
	kind := KindOf(err)
	msg := err.Error()
	var te *Error
	if errors.As(err, &te) {
		msg = te.Err.Error()
	}
	res.OK = false
	res.ErrorKind = string(kind)
	res.Error = msg
	res.Output = tokens.Truncate(output, maxResultTokens)
	res.Summary = fmt.Sprintf("%s: %s", kind, msg)
	return res
}

// Options configures the default tool set. Zero values select defaults.
type Options struct {
	Search  Searcher
	Refresh Refresher
	// Runner executes run_command; nil runs on the host.
	Runner         Runner
	CommandTimeout TimeoutRange
	MaxOutputBytes int
	DeniedCommands []string
}

// NewDefault registers read_file, write_file, run_command and search.
func NewDefault(opts Options, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(&ReadFile{})
	r.Register(&WriteFile{Refresh: opts.Refresh})
	r.Register(NewRunCommand(opts.Runner, opts.CommandTimeout, opts.MaxOutputBytes, opts.DeniedCommands))
	r.Register(&Search{Index: opts.Search})
	return r
}
