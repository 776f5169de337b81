package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// identifierGuard is an expr-lang AST visitor installed via expr.Patch. It
// never rewrites the tree; it only records identifiers that are neither a
// known variable name nor an expr-lang builtin, so the caller can refuse to
// run the compiled program.
type identifierGuard struct {
	vars map[string]any
	bad  []string
}

func (g *identifierGuard) Visit(node *ast.Node) {
	ident, ok := (*node).(*ast.IdentifierNode)
	if !ok {
		return
	}
	name := ident.Value
	if isDisallowedName(name) {
		g.bad = append(g.bad, name)
		return
	}
	if _, known := g.vars[name]; known {
		return
	}
	if isBuiltinName(name) {
		return
	}
	g.bad = append(g.bad, name)
}

// Evaluator is the restricted safe-expression evaluator spec.md §4.1
// requires: expr-lang compilation restricted to an identifier whitelist
// (the execution's variable set, plus the node-scoped loop variable an
// {% for %} block injects), with undefined or disallowed identifiers
// rejected at compile time rather than resolved leniently to false.
// Grounded on the teacher's ConditionEvaluator
// (internal/application/executor/conditions.go), with its
// isVariableNotFoundError leniency removed per spec.md's strict-rejection
// requirement.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Eval compiles (or reuses a cached compile of) expression against vars'
// keys as the only allowed identifiers, then runs it.
func (e *Evaluator) Eval(expression string, vars map[string]any) (any, error) {
	program, err := e.compile(expression, vars)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(program, normalize(vars))
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}
	return result, nil
}

// EvalBool evaluates expression and requires a boolean result, for
// condition/loop/delay call sites.
func (e *Evaluator) EvalBool(expression string, vars map[string]any) (bool, error) {
	result, err := e.Eval(expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean (got %T)", expression, result)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string, vars map[string]any) (*vm.Program, error) {
	e.mu.Lock()
	cached, ok := e.cache[expression]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	guard := &identifierGuard{vars: vars}
	program, err := expr.Compile(expression, expr.Env(normalize(vars)), expr.AsAny(), expr.Patch(guard))
	if len(guard.bad) > 0 {
		return nil, fmt.Errorf("expression %q references disallowed identifier(s): %s", expression, strings.Join(guard.bad, ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

func isDisallowedName(name string) bool {
	return strings.HasPrefix(name, "__") || strings.HasPrefix(name, "_")
}

// isBuiltinName allows expr-lang's own reserved words and built-in
// functions through the identifier check; everything else must be a key of
// the supplied variable map.
func isBuiltinName(name string) bool {
	switch name {
	case "len", "all", "any", "none", "one", "filter", "map", "count",
		"true", "false", "nil",
		"abs", "ceil", "floor", "round", "min", "max", "sum", "mean", "median",
		"toUpper", "toLower", "trim", "split", "join", "contains", "startsWith", "endsWith":
		return true
	}
	return false
}

func normalize(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return normalize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
