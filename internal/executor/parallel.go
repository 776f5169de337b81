package executor

import (
	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// ParallelExecutor validates the member node list and hands the runner
// everything it needs to fan the members out concurrently (§4.5); the
// actual concurrent dispatch, like loop iteration, is the runner's job.
type ParallelExecutor struct{}

func NewParallelExecutor() *ParallelExecutor { return &ParallelExecutor{} }

func (e *ParallelExecutor) Kind() domain.NodeKind { return domain.KindParallel }

func (e *ParallelExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config

	var members []string
	if list, ok := cfg["nodes"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				members = append(members, s)
			}
		}
	}
	if len(members) == 0 {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"parallel node requires a non-empty nodes list", nil, false)
	}

	maxConcurrency, _ := intField(cfg["max_concurrency"])

	failFast := true
	if v, ok := cfg["fail_fast"].(bool); ok {
		failFast = v
	}

	return map[string]any{
		"members":         members,
		"max_concurrency": maxConcurrency,
		"fail_fast":       failFast,
	}, nil
}
