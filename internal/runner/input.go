package runner

import (
	"fmt"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// mergeInputs implements spec.md §4.5's input merge: for each declared
// input the caller's value wins, otherwise its default, otherwise (if
// required) the run fails before any node executes; undeclared keys the
// caller supplied pass through unchanged.
func mergeInputs(wf *domain.Workflow, caller map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(caller)+len(wf.Inputs))
	for k, v := range caller {
		merged[k] = v
	}

	for name, spec := range wf.Inputs {
		if _, present := caller[name]; present {
			continue
		}
		if spec.Default != nil {
			merged[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("required input %q was not supplied and has no default", name)
		}
	}

	return merged, nil
}
