// Package runner implements the workflow execution engine: dependency-order
// dispatch, per-node template rendering, retry/circuit-breaker wrapping,
// and the loop/parallel/condition control-flow nodes spec.md §4.5
// describes, grounded on the teacher's internal/application/executor
// engine (ExecutionPlanner + Executor.Execute's per-node dispatch loop).
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/flowpilot/internal/broadcast"
	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/smilemakc/flowpilot/internal/errorreport"
	"github.com/smilemakc/flowpilot/internal/executor"
	"github.com/smilemakc/flowpilot/internal/retry"
	"github.com/smilemakc/flowpilot/internal/store"
	"github.com/smilemakc/flowpilot/internal/template"
)

// Deps bundles the collaborators a Runner dispatches through. Store and
// Broadcaster are optional: a nil Store skips persistence (useful for
// dry-run/validate-only callers), a nil Broadcaster skips live-log fan-out.
type Deps struct {
	Registry    *executor.Registry
	Breakers    *executor.CircuitBreakerRegistry
	Evaluator   *template.Evaluator
	Templates   *template.Processor
	Store       *store.Store
	Broadcaster *broadcast.Broadcaster
	ErrorReports *errorreport.Registry
}

// Runner dispatches workflow executions. One Runner is shared across every
// concurrent execution; per-execution state lives in the unexported run
// type a Run call constructs.
type Runner struct {
	deps Deps

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(deps Deps) *Runner {
	return &Runner{deps: deps, cancels: make(map[string]context.CancelFunc)}
}

// Request is the input to a single Run call.
type Request struct {
	Workflow    *domain.Workflow
	Inputs      map[string]any
	TriggerKind string
}

// Run executes wf start to finish, dispatching nodes in dependency order,
// and blocks until it reaches a terminal status. The returned Execution
// always carries a terminal Status; a non-nil error return means the run
// never started (input validation or persistence setup failed), not that a
// node failed mid-run.
func (r *Runner) Run(ctx context.Context, req Request) (*domain.Execution, error) {
	rn, execCtx, err := r.start(ctx, req)
	if err != nil {
		return nil, err
	}
	rn.runToCompletion(execCtx)
	return rn.exec, nil
}

// Enqueue starts wf's execution in the background and returns as soon as
// the execution row exists, so an HTTP handler (manual trigger, webhook
// ingress) can respond immediately with an execution_id per spec.md §6
// while dispatch continues past the request's own lifetime. The background
// run uses context.Background(), cancellable only via Cancel(exec.ID).
func (r *Runner) Enqueue(req Request) (*domain.Execution, error) {
	rn, execCtx, err := r.start(context.Background(), req)
	if err != nil {
		return nil, err
	}
	go rn.runToCompletion(execCtx)
	return rn.exec, nil
}

// start merges inputs, allocates and persists the execution row, and
// registers its cancel func, returning the not-yet-dispatched run. Both Run
// and Enqueue share this so an execution_id exists before any node runs.
func (r *Runner) start(ctx context.Context, req Request) (*run, context.Context, error) {
	wf := req.Workflow

	mergedInputs, err := mergeInputs(wf, req.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("merging inputs: %w", err)
	}

	exec := domain.NewExecution(uuid.New().String(), wf.Name, wf.LoadedFrom, req.TriggerKind, mergedInputs)

	execCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[exec.ID] = cancel
	r.mu.Unlock()

	if r.deps.Store != nil {
		if err := r.deps.Store.Executions.Create(ctx, exec, wf.LoadedFrom, mergedInputs); err != nil {
			r.mu.Lock()
			delete(r.cancels, exec.ID)
			r.mu.Unlock()
			cancel()
			return nil, nil, fmt.Errorf("persisting execution %s: %w", exec.ID, err)
		}
	}
	exec.Start()

	rn := &run{
		runner:       r,
		wf:           wf,
		exec:         exec,
		mergedInputs: mergedInputs,
		childIDs:     collectChildIDs(wf),
	}
	rn.branches.next = make(map[string]string)

	return rn, execCtx, nil
}

// runToCompletion dispatches every node and finalizes the execution's
// terminal status, persistence row, and broadcast frame. It always clears
// the runner's cancel registration on return, whether called synchronously
// from Run or as a goroutine from Enqueue.
func (rn *run) runToCompletion(execCtx context.Context) {
	r := rn.runner
	defer func() {
		r.mu.Lock()
		delete(r.cancels, rn.exec.ID)
		r.mu.Unlock()
	}()

	runErr := rn.dispatch(execCtx)

	if execCtx.Err() != nil && runErr == nil {
		rn.exec.Cancel()
	} else {
		rn.exec.Complete(runErr)
	}

	if r.deps.ErrorReports != nil && rn.exec.Status == domain.StatusFailed {
		r.deps.ErrorReports.Put(errorreport.Build(rn.wf, rn.exec))
	}

	finalCtx := context.Background()
	if r.deps.Store != nil {
		_ = r.deps.Store.Executions.Update(finalCtx, rn.exec)
	}
	if r.deps.Broadcaster != nil {
		r.deps.Broadcaster.PublishFinal(rn.exec.ID, string(rn.exec.Status), rn.exec.DurationMs(), rn.exec.Error)
	}
}

// Cancel signals the running execution's context, per spec.md §4.5: no new
// node is dispatched after cancellation, and any in-flight node's context
// is cancelled along with it. It reports whether executionID was running.
func (r *Runner) Cancel(executionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[executionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// branchTracker records which branch (then/else) each condition node chose,
// guarded by a mutex since parallel-block children may run concurrently.
type branchTracker struct {
	mu   sync.Mutex
	next map[string]string
}

func (b *branchTracker) set(nodeID, next string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next[nodeID] = next
}

func (b *branchTracker) get(nodeID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.next[nodeID]
	return v, ok
}

// run holds the state of a single in-flight execution.
type run struct {
	runner       *Runner
	wf           *domain.Workflow
	exec         *domain.Execution
	mergedInputs map[string]any
	branches     branchTracker

	// childIDs are node IDs only reachable through a loop's `do` or a
	// parallel node's `nodes` list — the main dispatch loop skips them
	// entirely and leaves running them to the loop/parallel expansion.
	childIDs map[string]bool
}

// collectChildIDs walks every loop/parallel node's config to find the node
// IDs it owns, so the main dispatch loop doesn't also run them directly.
func collectChildIDs(wf *domain.Workflow) map[string]bool {
	ids := make(map[string]bool)
	for _, n := range wf.Nodes {
		switch n.Kind {
		case domain.KindLoop:
			switch do := n.Config["do"].(type) {
			case string:
				if do != "" {
					ids[do] = true
				}
			case []any:
				for _, v := range do {
					if s, ok := v.(string); ok {
						ids[s] = true
					}
				}
			}
		case domain.KindParallel:
			if list, ok := n.Config["nodes"].([]any); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						ids[s] = true
					}
				}
			}
		}
	}
	return ids
}

// dispatch runs every top-level node (i.e. not a loop/parallel child) in
// dependency order, one at a time, per spec.md §5's sequential scheduling
// model — concurrency only happens inside an explicit parallel node's
// member fan-out, handled by expandParallel.
func (rn *run) dispatch(ctx context.Context) error {
	g := buildGraph(rn.wf)
	waves, err := g.waves()
	if err != nil {
		return err
	}

	for _, wave := range waves {
		for _, nodeID := range wave {
			if rn.childIDs[nodeID] {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}

			node, ok := rn.wf.NodeByID(nodeID)
			if !ok {
				continue
			}

			if rn.shouldSkip(*node) {
				rn.recordSkipped(*node)
				continue
			}

			status, output, nodeErr := rn.runNode(ctx, *node, nil)

			if node.Kind == domain.KindCondition && nodeErr == nil {
				if next, ok := output["next_node"].(string); ok {
					rn.branches.set(node.ID, next)
				} else {
					rn.branches.set(node.ID, "")
				}
			}

			if nodeErr != nil {
				if rn.onError() == domain.OnErrorStop {
					return nodeErr
				}
				continue
			}

			switch node.Kind {
			case domain.KindLoop:
				if err := rn.expandLoop(ctx, *node, output, nil); err != nil && rn.onError() == domain.OnErrorStop {
					return err
				}
			case domain.KindParallel:
				if err := rn.expandParallel(ctx, *node, output, nil); err != nil && rn.onError() == domain.OnErrorStop {
					return err
				}
			}

			_ = status
		}
	}

	return nil
}

func (rn *run) onError() domain.ErrorStrategy {
	if rn.wf.Settings.OnError == "" {
		return domain.OnErrorStop
	}
	return rn.wf.Settings.OnError
}

// shouldSkip reports whether node must be skipped rather than run: a
// dependency failed/was skipped/was cancelled, or a dependency is a
// condition node whose chosen branch doesn't include this node (spec.md
// §4.5's condition propagation rule).
func (rn *run) shouldSkip(node domain.Node) bool {
	for _, dep := range node.DependsOn {
		switch rn.exec.NodeStatus(dep) {
		case domain.StatusError, domain.StatusSkipped, domain.StatusCancelled:
			return true
		}

		depNode, ok := rn.wf.NodeByID(dep)
		if !ok || depNode.Kind != domain.KindCondition {
			continue
		}
		thenID, _ := depNode.Config["then"].(string)
		elseID, _ := depNode.Config["else"].(string)
		chosen, _ := rn.branches.get(dep)
		if node.ID == thenID && chosen != thenID {
			return true
		}
		if node.ID == elseID && chosen != elseID {
			return true
		}
	}
	return false
}

func (rn *run) recordSkipped(node domain.Node) {
	now := time.Now().UTC()
	ne := &domain.NodeExecution{
		ID:          rn.exec.ID + ":" + node.ID,
		ExecutionID: rn.exec.ID,
		NodeID:      node.ID,
		Status:      domain.StatusSkipped,
		StartedAt:   now,
		FinishedAt:  &now,
	}
	rn.exec.RecordNode(ne)
	if rn.runner.deps.Store != nil {
		_ = rn.runner.deps.Store.Executions.UpsertNode(context.Background(), ne)
	}
	if rn.runner.deps.Broadcaster != nil {
		rn.runner.deps.Broadcaster.Publish(broadcast.Frame{
			Kind: broadcast.FrameLog, ExecutionID: rn.exec.ID,
			NodeID: node.ID, NodeType: string(node.Kind), NodeStatus: string(domain.StatusSkipped),
		})
	}
}

// runNode renders node's config, wraps the registered executor with the
// retry/circuit-breaker pipeline (spec.md §4.5 step 5: retry around the
// breaker-wrapped call), persists the resulting NodeExecution, and
// broadcasts a log frame.
func (rn *run) runNode(ctx context.Context, node domain.Node, loopVars map[string]any) (domain.Status, map[string]any, error) {
	deps := rn.runner.deps
	vars := buildContext(rn.wf, rn.exec, rn.mergedInputs, loopVars)

	renderedAny, err := deps.Templates.Process(node.Config, vars)
	if err != nil {
		return rn.failNode(node, err)
	}
	renderedConfig, _ := renderedAny.(map[string]any)
	renderedNode := node
	renderedNode.Config = renderedConfig

	ex, err := deps.Registry.Get(node.Kind)
	if err != nil {
		return rn.failNode(node, err)
	}

	timeout := defaultTimeout(node)
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := &executor.ExecContext{
		Context:      nodeCtx,
		WorkflowName: rn.wf.Name,
		ExecutionID:  rn.exec.ID,
		Node:         renderedNode,
		Input:        vars,
	}

	policy := retry.FromSpec(resolveRetry(node, rn.wf))

	started := time.Now().UTC()
	attempts := 0
	var output map[string]any

	runErr := retry.Attempt(nodeCtx, policy, func(attempt int) error {
		attempts = attempt + 1
		breaker := deps.Breakers.Get(string(node.Kind))
		return breaker.Execute(nodeCtx, func() error {
			out, execErr := ex.Execute(ec)
			if execErr != nil {
				return execErr
			}
			output = out
			return nil
		})
	})

	finished := time.Now().UTC()
	status := domain.StatusSucceeded
	errMsg := ""
	if runErr != nil {
		status = domain.StatusError
		errMsg = runErr.Error()
	}

	ne := &domain.NodeExecution{
		ID:          rn.exec.ID + ":" + node.ID,
		ExecutionID: rn.exec.ID,
		NodeID:      node.ID,
		Status:      status,
		Attempt:     attempts,
		Input:       renderedConfig,
		Output:      output,
		Error:       errMsg,
		StartedAt:   started,
		FinishedAt:  &finished,
	}
	rn.exec.RecordNode(ne)
	if deps.Store != nil {
		_ = deps.Store.Executions.UpsertNode(context.Background(), ne)
	}
	if deps.Broadcaster != nil {
		deps.Broadcaster.Publish(broadcast.Frame{
			Kind: broadcast.FrameLog, ExecutionID: rn.exec.ID,
			NodeID: node.ID, NodeType: string(node.Kind), NodeStatus: string(status),
			Output: output,
		})
		if runErr != nil {
			deps.Broadcaster.Publish(broadcast.Frame{
				Kind: broadcast.FrameError, ExecutionID: rn.exec.ID,
				NodeID: node.ID, Message: errMsg,
			})
		}
	}

	return status, output, runErr
}

// failNode records a node-preparation failure (template rendering or a
// missing executor) the same way a failed execution attempt is recorded,
// so shouldSkip and persistence see it identically.
func (rn *run) failNode(node domain.Node, err error) (domain.Status, map[string]any, error) {
	now := time.Now().UTC()
	ne := &domain.NodeExecution{
		ID:          rn.exec.ID + ":" + node.ID,
		ExecutionID: rn.exec.ID,
		NodeID:      node.ID,
		Status:      domain.StatusError,
		Error:       err.Error(),
		StartedAt:   now,
		FinishedAt:  &now,
	}
	rn.exec.RecordNode(ne)
	if rn.runner.deps.Store != nil {
		_ = rn.runner.deps.Store.Executions.UpsertNode(context.Background(), ne)
	}
	if rn.runner.deps.Broadcaster != nil {
		rn.runner.deps.Broadcaster.Publish(broadcast.Frame{
			Kind: broadcast.FrameError, ExecutionID: rn.exec.ID,
			NodeID: node.ID, Message: err.Error(),
		})
	}
	return domain.StatusError, nil, err
}

// resolveRetry returns node's own retry override if declared, else the
// workflow default.
func resolveRetry(node domain.Node, wf *domain.Workflow) domain.RetrySpec {
	if node.Retry != nil {
		return *node.Retry
	}
	return wf.Settings.Retry
}

// expandLoop runs the loop node's `do` child(ren) once per item the loop
// executor resolved, stopping early on break_if or on the first failing
// iteration when on_error is "stop".
func (rn *run) expandLoop(ctx context.Context, node domain.Node, output map[string]any, loopVars map[string]any) error {
	items, _ := output["items"].([]any)
	asVar, _ := output["as_var"].(string)
	indexVar, _ := output["index_var"].(string)
	doNodes, _ := output["do"].([]string)
	breakIf, _ := output["break_if"].(string)

iterate:
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		iterVars := withLoopVars(loopVars, map[string]any{asVar: item, indexVar: i})

		for _, childID := range doNodes {
			childNode, ok := rn.wf.NodeByID(childID)
			if !ok {
				continue
			}
			_, _, err := rn.runNode(ctx, *childNode, iterVars)
			if err != nil && rn.onError() == domain.OnErrorStop {
				return err
			}
		}

		if breakIf != "" {
			evalVars := buildContext(rn.wf, rn.exec, rn.mergedInputs, iterVars)
			stop, evalErr := rn.runner.deps.Evaluator.EvalBool(breakIf, evalVars)
			if evalErr == nil && stop {
				break iterate
			}
		}
	}
	return nil
}

// expandParallel fans the parallel node's members out concurrently, capped
// at max_concurrency (0 = unbounded), and cancels the remaining members'
// shared context on the first failure when fail_fast is set.
func (rn *run) expandParallel(ctx context.Context, node domain.Node, output map[string]any, loopVars map[string]any) error {
	members, _ := output["members"].([]string)
	maxConcurrency, _ := output["max_concurrency"].(int)
	failFast, _ := output["fail_fast"].(bool)

	groupCtx, cancelGroup := context.WithCancel(ctx)
	defer cancelGroup()

	var sem chan struct{}
	if maxConcurrency > 0 {
		sem = make(chan struct{}, maxConcurrency)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, memberID := range members {
		childNode, ok := rn.wf.NodeByID(memberID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n domain.Node) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			_, _, err := rn.runNode(groupCtx, n, loopVars)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				if failFast {
					cancelGroup()
				}
			}
		}(*childNode)
	}

	wg.Wait()
	return firstErr
}
