package executor

import (
	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// ConditionExecutor evaluates a boolean expression and reports which branch
// the runner should take, generalized from the teacher's
// ConditionalRouterExecutor (multi-route dispatch) down to the single
// if/then/else §4.3 requires. The runner reads Output["next_node"] (§4.3:
// "data.next_node is then when true, else else") to decide which branch's
// depends_on edge, if any, should propagate as skipped.
type ConditionExecutor struct {
	eval Evaluator
}

func NewConditionExecutor(eval Evaluator) *ConditionExecutor {
	return &ConditionExecutor{eval: eval}
}

func (e *ConditionExecutor) Kind() domain.NodeKind { return domain.KindCondition }

func (e *ConditionExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	expr, _ := ec.Node.Config["if"].(string)
	if expr == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"condition node requires a non-empty if expression", nil, false)
	}

	result, err := e.eval.EvalBool(expr, ec.Input)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"failed to evaluate condition", err, false)
	}

	branch := "else"
	if result {
		branch = "then"
	}
	var nextNode any
	if id, ok := ec.Node.Config[branch].(string); ok && id != "" {
		nextNode = id
	}
	return map[string]any{"result": result, "branch": branch, "next_node": nextNode}, nil
}
