package agents

import (
	"context"

	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/tools"
)

type Executor interface {
	Execute(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult
}

// ToolExecutor dispatches calls to a tool registry.
type ToolExecutor struct {
	Registry *tools.Registry
}

func (e *ToolExecutor) Execute(ctx context.Context, env tools.Env, call models.ToolCall) models.ToolResult {
	return e.Registry.Execute(ctx, env, call)
}
