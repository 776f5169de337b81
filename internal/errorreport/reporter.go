// Package errorreport aggregates a finished execution's per-node failures
// into the summary spec.md §7 describes ({total_nodes, executed, failed,
// success_rate} plus one record per failed node) and renders it as
// Markdown. Aggregation runs are keyed by execution_id and cleared on
// request, the same "build once, hand out, discard" lifecycle the teacher
// uses for its result and recommendation reports.
package errorreport

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// NodeFailure is one failed node's record within a Report.
type NodeFailure struct {
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}

// Report is the aggregated failure summary for one execution.
type Report struct {
	ExecutionID  string        `json:"execution_id"`
	WorkflowName string        `json:"workflow_name"`
	Status       string        `json:"status"`
	TotalNodes   int           `json:"total_nodes"`
	Executed     int           `json:"executed"`
	Failed       int           `json:"failed"`
	SuccessRate  float64       `json:"success_rate"`
	Failures     []NodeFailure `json:"failures"`
}

// Build assembles a Report from exec's recorded node executions. wf is
// used for TotalNodes since a failed/cancelled run may not have recorded
// every node yet.
func Build(wf *domain.Workflow, exec *domain.Execution) Report {
	nodeExecs := exec.NodeExecutions()

	report := Report{
		ExecutionID:  exec.ID,
		WorkflowName: exec.WorkflowName,
		Status:       string(exec.Status),
		TotalNodes:   len(wf.Nodes),
		Executed:     len(nodeExecs),
	}

	for _, ne := range nodeExecs {
		if ne.Status != domain.StatusError {
			continue
		}
		report.Failed++
		nodeType := ""
		if n, ok := wf.NodeByID(ne.NodeID); ok {
			nodeType = string(n.Kind)
		}
		report.Failures = append(report.Failures, NodeFailure{
			NodeID: ne.NodeID, NodeType: nodeType, Attempt: ne.Attempt, Error: ne.Error,
		})
	}
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].NodeID < report.Failures[j].NodeID })

	if report.Executed > 0 {
		report.SuccessRate = float64(report.Executed-report.Failed) / float64(report.Executed)
	}
	return report
}

// Markdown renders r the way a human reading a failed-run notification
// would want it: a one-line summary followed by one bullet per failure.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s — %s\n\n", r.WorkflowName, r.Status)
	fmt.Fprintf(&b, "Execution `%s`: %d/%d nodes executed, %d failed (%.0f%% success).\n",
		r.ExecutionID, r.Executed, r.TotalNodes, r.Failed, r.SuccessRate*100)
	if len(r.Failures) == 0 {
		return b.String()
	}
	b.WriteString("\n### Failures\n\n")
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "- **%s** (%s), attempt %d: %s\n", f.NodeID, f.NodeType, f.Attempt, f.Error)
	}
	return b.String()
}

// Registry keeps the most recent Report per execution, built on demand and
// discarded once a caller reads it via Take.
type Registry struct {
	mu      sync.Mutex
	reports map[string]Report
}

func NewRegistry() *Registry {
	return &Registry{reports: make(map[string]Report)}
}

// Put stores report under its ExecutionID, replacing any prior report for
// the same execution.
func (r *Registry) Put(report Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[report.ExecutionID] = report
}

// Get returns the stored report for executionID without removing it.
func (r *Registry) Get(executionID string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[executionID]
	return rep, ok
}

// Take returns and removes the stored report for executionID.
func (r *Registry) Take(executionID string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[executionID]
	if ok {
		delete(r.reports, executionID)
	}
	return rep, ok
}
