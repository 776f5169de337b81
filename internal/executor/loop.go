package executor

import (
	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// LoopExecutor evaluates `for_each` and hands the runner everything it
// needs to perform the actual iteration (§4.5): the item list, the loop
// variable names, the child node(s) to run each pass, and the optional
// max_iterations/break_if. It never runs `do` itself — that's the runner's
// job, the same division of labor ConditionExecutor uses for `then`/`else`.
type LoopExecutor struct {
	eval Evaluator
}

func NewLoopExecutor(eval Evaluator) *LoopExecutor {
	return &LoopExecutor{eval: eval}
}

func (e *LoopExecutor) Kind() domain.NodeKind { return domain.KindLoop }

func (e *LoopExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config

	forEachExpr, _ := cfg["for_each"].(string)
	if forEachExpr == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"loop node requires a non-empty for_each expression", nil, false)
	}

	seq, err := e.eval.Eval(forEachExpr, ec.Input)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"failed to evaluate for_each", err, false)
	}

	items, ok := toSlice(seq)
	if !ok {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"for_each must evaluate to a sequence", nil, false)
	}

	if maxIter, ok := intField(cfg["max_iterations"]); ok && maxIter >= 0 && maxIter < len(items) {
		items = items[:maxIter]
	}

	asVar, _ := cfg["as_var"].(string)
	if asVar == "" {
		asVar = "item"
	}
	indexVar, _ := cfg["index_var"].(string)
	if indexVar == "" {
		indexVar = "index"
	}

	var doNodes []string
	switch do := cfg["do"].(type) {
	case string:
		if do != "" {
			doNodes = []string{do}
		}
	case []any:
		for _, v := range do {
			if s, ok := v.(string); ok {
				doNodes = append(doNodes, s)
			}
		}
	}

	breakIf, _ := cfg["break_if"].(string)

	return map[string]any{
		"items":     items,
		"count":     len(items),
		"as_var":    asVar,
		"index_var": indexVar,
		"do":        doNodes,
		"break_if":  breakIf,
	}, nil
}

// intField reads an int out of a loosely-typed config value (YAML may hand
// back int, int64, or float64 depending on the literal's shape).
func intField(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// toSlice accepts the handful of sequence shapes expr-lang's evaluator (or
// a raw YAML list) can hand back.
func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
