package runner

import (
	"os"
	"strings"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/smilemakc/flowpilot/internal/template"
)

// nodeVarKey rewrites a node id's dashes to underscores so it can be
// referenced as `nodes.my_node` in a template/expression, per spec.md §4.1.
func nodeVarKey(id string) string {
	return strings.ReplaceAll(id, "-", "_")
}

// buildContext assembles the evaluation context spec.md §4.1 names:
// inputs, nodes, env, date(fmt), execution_id, workflow_name, plus any
// loop variables currently in scope. The filter functions (§4.1) are
// merged in last so every render/evaluate call site sees them.
func buildContext(wf *domain.Workflow, exec *domain.Execution, mergedInputs map[string]any, loopVars map[string]any) map[string]any {
	nodes := make(map[string]any, len(exec.NodeExecutions()))
	for _, ne := range exec.NodeExecutions() {
		nodes[nodeVarKey(ne.NodeID)] = map[string]any{
			"stdout": stringOr(ne.Output, "stdout"),
			"stderr": stringOr(ne.Output, "stderr"),
			"output": primaryOutput(ne.Output),
			"data":   ne.Output,
			"status": string(ne.Status),
		}
	}

	env := make(map[string]any, len(os.Environ()))
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	vars := map[string]any{
		"inputs":        mergedInputs,
		"nodes":         nodes,
		"env":           env,
		"execution_id":  exec.ID,
		"workflow_name": wf.Name,
		"date": func(layout string) string {
			return time.Now().Format(goLayout(layout))
		},
	}
	for k, v := range loopVars {
		vars[k] = v
	}

	return template.WithFilters(vars)
}

// primaryOutput picks the human-readable primary payload out of a node's
// raw output map: its "output" field if present, else "content", else
// "stdout", else the map itself.
func primaryOutput(m map[string]any) any {
	if m == nil {
		return nil
	}
	for _, key := range []string{"output", "content", "stdout"} {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return m
}

func stringOr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// goLayout maps the handful of strftime-style directives workflow authors
// are likely to reach for onto Go's reference-time layout, falling back to
// treating the format string as a literal Go layout when it contains none
// of them.
func goLayout(format string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006", "%m", "01", "%d", "02",
		"%H", "15", "%M", "04", "%S", "05",
		"%Z", "MST",
	)
	replaced := replacer.Replace(format)
	if replaced != format {
		return replaced
	}
	if format == "" {
		return time.RFC3339
	}
	return format
}

// withLoopVar returns a copy of loopVars with name bound to value, leaving
// the original map (and any outer loop's variables) untouched — nested
// loops stack variable names this way (spec.md §4.5: "outer vars remain
// visible when not shadowed").
func withLoopVar(loopVars map[string]any, name string, value any) map[string]any {
	out := make(map[string]any, len(loopVars)+1)
	for k, v := range loopVars {
		out[k] = v
	}
	out[name] = value
	return out
}

func withLoopVars(loopVars map[string]any, pairs map[string]any) map[string]any {
	out := make(map[string]any, len(loopVars)+len(pairs))
	for k, v := range loopVars {
		out[k] = v
	}
	for k, v := range pairs {
		out[k] = v
	}
	return out
}
