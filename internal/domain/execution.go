package domain

import (
	"sync"
	"time"
)

// Status is the lifecycle state shared by Execution and NodeExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "success"
	StatusFailed    Status = "failed"
	// StatusError is a NodeExecution-only status (spec.md §3's node status
	// set uses "error" where the execution-level set uses "failed").
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// NodeExecution is the persisted record of a single node's run within an
// Execution, including every retry attempt.
type NodeExecution struct {
	ID          string         `json:"id" bun:",pk"`
	ExecutionID string         `json:"execution_id" bun:",notnull"`
	NodeID      string         `json:"node_id" bun:",notnull"`
	Status      Status         `json:"status" bun:",notnull"`
	Attempt     int            `json:"attempt"`
	Input       map[string]any `json:"input" bun:"input,type:jsonb"`
	Output      map[string]any `json:"output,omitempty" bun:"output,type:jsonb"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Execution is the runtime record of one run of a Workflow.
type Execution struct {
	ID           string         `json:"id" bun:",pk"`
	WorkflowName string         `json:"workflow_name" bun:",notnull"`
	WorkflowPath string         `json:"workflow_path,omitempty"`
	Status       Status         `json:"status" bun:",notnull"`
	TriggerKind  string         `json:"trigger_type,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Error        string         `json:"error,omitempty"`

	mu    sync.RWMutex              `bun:"-"`
	vars  map[string]any            `bun:"-"`
	nodes map[string]*NodeExecution `bun:"-"`
}

// NewExecution starts a new pending execution for the named workflow.
func NewExecution(id, workflowName, workflowPath, triggerKind string, inputs map[string]any) *Execution {
	return &Execution{
		ID:           id,
		WorkflowName: workflowName,
		WorkflowPath: workflowPath,
		Status:       StatusPending,
		TriggerKind:  triggerKind,
		Inputs:       inputs,
		StartedAt:    time.Now().UTC(),
		vars:         make(map[string]any),
		nodes:        make(map[string]*NodeExecution),
	}
}

// DurationMs reports the elapsed milliseconds between StartedAt and
// FinishedAt, or 0 if the execution hasn't finished yet.
func (e *Execution) DurationMs() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt).Milliseconds()
}

// Cancel marks the execution cancelled, per spec.md §4.5.
func (e *Execution) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	e.FinishedAt = &now
	e.Status = StatusCancelled
}

// Start transitions the execution to running.
func (e *Execution) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Status = StatusRunning
}

// Complete marks the execution as finished, successfully or not.
func (e *Execution) Complete(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	e.FinishedAt = &now
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
		return
	}
	e.Status = StatusSucceeded
}

// SetVariable stores a node's output under its node ID so later nodes can
// reference it by name in templates/expressions.
func (e *Execution) SetVariable(nodeID string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[nodeID] = value
}

// Variables returns a shallow copy of the current variable set, safe for a
// template/expression evaluation pass to read without holding the lock.
func (e *Execution) Variables() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// RecordNode stores or updates a node execution record by node ID.
func (e *Execution) RecordNode(ne *NodeExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[ne.NodeID] = ne
}

// NodeStatus returns the recorded status of a node, or "" if it hasn't run.
func (e *Execution) NodeStatus(nodeID string) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ne, ok := e.nodes[nodeID]; ok {
		return ne.Status
	}
	return ""
}

// NodeExecutions returns every recorded node execution, for persistence and
// for the GET /executions/{id} response.
func (e *Execution) NodeExecutions() []*NodeExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*NodeExecution, 0, len(e.nodes))
	for _, ne := range e.nodes {
		out = append(out, ne)
	}
	return out
}
