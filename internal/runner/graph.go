package runner

import (
	"fmt"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// graph is the depends_on adjacency derived from a workflow's node list,
// grounded on the teacher's WorkflowGraph but reduced to a single edge kind.
type graph struct {
	wf       *domain.Workflow
	children map[string][]string // node -> nodes that depend on it
}

func buildGraph(wf *domain.Workflow) *graph {
	g := &graph{wf: wf, children: make(map[string][]string)}
	for _, n := range wf.Nodes {
		for _, dep := range n.DependsOn {
			g.children[dep] = append(g.children[dep], n.ID)
		}
	}
	return g
}

// waves partitions the node set into waves of mutually independent nodes,
// preserving declaration order within a wave, the way the teacher's
// ExecutionPlanner.CreatePlan computes parallelizable batches via
// GetParallelizableNodes.
func (g *graph) waves() ([][]string, error) {
	remaining := make(map[string]domain.Node, len(g.wf.Nodes))
	for _, n := range g.wf.Nodes {
		remaining[n.ID] = n
	}

	var waves [][]string
	for len(remaining) > 0 {
		var ready []string
		for id, n := range remaining {
			allDepsDone := true
			for _, dep := range n.DependsOn {
				if _, stillPending := remaining[dep]; stillPending {
					allDepsDone = false
					break
				}
			}
			if allDepsDone {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("unable to make progress scheduling nodes, a cycle should have been caught at validation time")
		}
		// stable order: declaration order among ready nodes
		ordered := make([]string, 0, len(ready))
		for _, n := range g.wf.Nodes {
			for _, r := range ready {
				if r == n.ID {
					ordered = append(ordered, r)
					break
				}
			}
		}
		waves = append(waves, ordered)
		for _, id := range ordered {
			delete(remaining, id)
		}
	}
	return waves, nil
}
