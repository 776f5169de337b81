package template

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Filters returns the filter functions spec.md §4.1 requires
// (truncate/json/lines/first_line/last_line/strip/upper/lower/split),
// exposed as ordinary callables in the expression environment rather than
// as a Jinja-style `| filter` pipe — expr-lang's grammar doesn't carry a
// pipe-to-function sugar the safe-expression sandbox can restrict the same
// way it restricts identifiers, so a template calls them directly:
// `{{ truncate(nodes.a.stdout, 200) }}`. Merge the result into every vars
// map a Processor renders against (WithFilters does this).
func Filters() map[string]any {
	return map[string]any{
		"truncate": func(s string, n int, args ...string) string {
			suffix := "…"
			if len(args) > 0 {
				suffix = args[0]
			}
			if len(s) <= n {
				return s
			}
			if n < 0 {
				n = 0
			}
			return s[:n] + suffix
		},
		"json": func(v any, args ...int) string {
			if len(args) > 0 && args[0] > 0 {
				b, err := json.MarshalIndent(v, "", strings.Repeat(" ", args[0]))
				if err != nil {
					return ""
				}
				return string(b)
			}
			b, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(b)
		},
		"lines": func(s string) []any {
			parts := strings.Split(s, "\n")
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out
		},
		"first_line": func(s string) string {
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				return s[:i]
			}
			return s
		},
		"last_line": func(s string) string {
			parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
			return parts[len(parts)-1]
		},
		"strip":  strings.TrimSpace,
		"upper":  strings.ToUpper,
		"lower":  strings.ToLower,
		"split": func(s string, args ...string) []any {
			sep := " "
			if len(args) > 0 {
				sep = args[0]
			}
			parts := strings.Split(s, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out
		},
		"int": func(s string) int {
			n, _ := strconv.Atoi(strings.TrimSpace(s))
			return n
		},
	}
}

// WithFilters returns a copy of vars with the filter functions merged in
// under their names, ready to pass to Processor.Process or
// Evaluator.Eval/EvalBool.
func WithFilters(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+len(Filters()))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range Filters() {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}
