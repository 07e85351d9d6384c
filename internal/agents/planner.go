package agents

import (
	"context"

	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/retrieval"
)

// PlanInput is everything a planner sees when choosing the next action.
type PlanInput struct {
	Task     *models.Task
	History  []models.Message
	Chunks   []retrieval.Chunk
	HadIndex bool
}

// Decision is the planner's next action plus what it cost.
type Decision struct {
	Action models.Action
	Model  string
	Tokens int
	Hops   int
}

type Planner interface {
	Next(ctx context.Context, in PlanInput) (Decision, error)
}
