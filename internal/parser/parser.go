// Package parser loads and validates workflow documents (spec.md §3, §4.2),
// grounded in the teacher's yaml.v3 usage and generalized from its
// edge-typed graph validation into depends_on-only cycle/reference
// checking.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// idPattern is spec.md §3's node-id grammar: [a-z][a-z0-9-]*.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// LoadFile reads and validates a workflow document from disk. YAML and JSON
// are both accepted; yaml.v3 parses well-formed JSON directly since JSON is
// a subset of YAML 1.2.
func LoadFile(path string) (*domain.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow document %s: %w", path, err)
	}

	wf, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow document %s: %w", path, err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	if stem != wf.Name {
		return nil, flowerrors.NewValidationError("name",
			fmt.Sprintf("file name %q must equal the document's inner name %q", base, wf.Name))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	wf.LoadedFrom = abs
	return wf, nil
}

// Parse unmarshals and validates a workflow document's raw bytes.
func Parse(raw []byte) (*domain.Workflow, error) {
	var wf domain.Workflow
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("invalid workflow document: %w", err)
	}
	applyDefaults(&wf)
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// applyDefaults fills in the zero-value defaults spec.md §3 describes:
// version 1, settings.on_error "stop", and a single-attempt retry spec
// wherever one wasn't declared.
func applyDefaults(wf *domain.Workflow) {
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Settings.OnError == "" {
		wf.Settings.OnError = domain.OnErrorStop
	}
	if wf.Settings.Retry.MaxAttempts == 0 && wf.Settings.Retry.Multiplier == 0 {
		wf.Settings.Retry = domain.DefaultRetrySpec()
	}
	for i := range wf.Nodes {
		if wf.Nodes[i].Retry == nil {
			r := wf.Settings.Retry
			wf.Nodes[i].Retry = &r
		}
	}
}

// Validate checks the structural invariants spec.md §3/§8 require: a
// non-empty name, unique node IDs, every depends_on/then/else/do/nodes
// reference resolving to a real node, and no dependency cycle.
func Validate(wf *domain.Workflow) error {
	if wf.Name == "" {
		return flowerrors.NewValidationError("name", "workflow must have a non-empty name")
	}
	if len(wf.Nodes) == 0 {
		return flowerrors.NewValidationError("nodes", "workflow must declare at least one node")
	}

	switch wf.Settings.OnError {
	case "", domain.OnErrorStop, domain.OnErrorContinue, domain.OnErrorNotify:
	default:
		return flowerrors.NewValidationError("settings.on_error",
			fmt.Sprintf("unknown on_error strategy %q", wf.Settings.OnError))
	}

	for name, spec := range wf.Inputs {
		switch spec.Type {
		case domain.InputString, domain.InputNumber, domain.InputBoolean, domain.InputArray, domain.InputObject:
		default:
			return flowerrors.NewValidationError("inputs", fmt.Sprintf("input %q has unknown type %q", name, spec.Type))
		}
		if spec.Required && spec.Default != nil {
			return flowerrors.NewValidationError("inputs",
				fmt.Sprintf("input %q cannot be both required and carry a default", name))
		}
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return flowerrors.NewValidationError("nodes[].id", "every node must have a non-empty id")
		}
		if !idPattern.MatchString(n.ID) {
			return flowerrors.NewValidationError("nodes[].id",
				fmt.Sprintf("node id %q must match [a-z][a-z0-9-]*", n.ID))
		}
		if seen[n.ID] {
			return flowerrors.NewValidationError("nodes[].id", fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if n.Kind == "" {
			return flowerrors.NewValidationError("nodes[].type", fmt.Sprintf("node %q must declare a type", n.ID))
		}
	}

	for _, n := range wf.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return flowerrors.NewValidationError("nodes[].depends_on",
					fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep))
			}
		}
		for _, ref := range controlFlowRefs(n) {
			if !seen[ref] {
				return flowerrors.NewValidationError("nodes[]",
					fmt.Sprintf("node %q references unknown node %q", n.ID, ref))
			}
		}
	}

	if cyc := findCycle(wf); cyc != nil {
		return flowerrors.NewValidationError("nodes[].depends_on",
			fmt.Sprintf("dependency cycle detected: %v", cyc))
	}

	return nil
}

// controlFlowRefs extracts the node IDs a condition/loop/parallel node
// references via its config (then/else/do/nodes), which steer control flow
// but do not themselves create depends_on edges (spec.md §9 design note).
func controlFlowRefs(n domain.Node) []string {
	var refs []string
	switch n.Kind {
	case domain.KindCondition:
		if v, ok := n.Config["then"].(string); ok && v != "" {
			refs = append(refs, v)
		}
		if v, ok := n.Config["else"].(string); ok && v != "" {
			refs = append(refs, v)
		}
	case domain.KindLoop:
		switch v := n.Config["do"].(type) {
		case string:
			if v != "" {
				refs = append(refs, v)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					refs = append(refs, s)
				}
			}
		}
	case domain.KindParallel:
		if list, ok := n.Config["nodes"].([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					refs = append(refs, s)
				}
			}
		}
	}
	return refs
}

// findCycle runs a depth-first search over the depends_on graph and returns
// the node IDs forming a cycle, or nil if the graph is acyclic.
func findCycle(wf *domain.Workflow) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		node, _ := wf.NodeByID(id)
		for _, dep := range node.DependsOn {
			switch color[dep] {
			case gray:
				return append(append([]string{}, path...), dep)
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, n := range wf.Nodes {
		if color[n.ID] == white {
			if cyc := visit(n.ID); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
