package errorreport

import (
	"testing"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFailedExecution() (*domain.Workflow, *domain.Execution) {
	wf := &domain.Workflow{Name: "deploy", Nodes: []domain.Node{
		{ID: "build", Kind: domain.KindShell},
		{ID: "push", Kind: domain.KindHTTP},
		{ID: "notify", Kind: domain.KindShell},
	}}
	exec := domain.NewExecution("exec-1", "deploy", "", "manual", nil)
	exec.RecordNode(&domain.NodeExecution{NodeID: "build", Status: domain.StatusSucceeded})
	exec.RecordNode(&domain.NodeExecution{NodeID: "push", Status: domain.StatusError, Attempt: 2, Error: "connection refused"})
	exec.Complete(assertErr())
	return wf, exec
}

func assertErr() error { return &reportTestErr{} }

type reportTestErr struct{}

func (e *reportTestErr) Error() string { return "push node failed" }

func TestBuild_CountsFailuresAndComputesSuccessRate(t *testing.T) {
	wf, exec := buildFailedExecution()
	report := Build(wf, exec)

	assert.Equal(t, "exec-1", report.ExecutionID)
	assert.Equal(t, 3, report.TotalNodes)
	assert.Equal(t, 2, report.Executed)
	assert.Equal(t, 1, report.Failed)
	assert.InDelta(t, 0.5, report.SuccessRate, 0.001)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "push", report.Failures[0].NodeID)
	assert.Equal(t, "http", report.Failures[0].NodeType)
	assert.Equal(t, 2, report.Failures[0].Attempt)
}

func TestBuild_NoFailuresYieldsFullSuccessRate(t *testing.T) {
	wf := &domain.Workflow{Name: "ok", Nodes: []domain.Node{{ID: "a", Kind: domain.KindShell}}}
	exec := domain.NewExecution("exec-2", "ok", "", "manual", nil)
	exec.RecordNode(&domain.NodeExecution{NodeID: "a", Status: domain.StatusSucceeded})
	exec.Complete(nil)

	report := Build(wf, exec)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1.0, report.SuccessRate)
	assert.Empty(t, report.Failures)
}

func TestReport_Markdown(t *testing.T) {
	wf, exec := buildFailedExecution()
	report := Build(wf, exec)

	md := report.Markdown()
	assert.Contains(t, md, "## deploy")
	assert.Contains(t, md, "push")
	assert.Contains(t, md, "connection refused")
}

func TestRegistry_PutGetTake(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Get("exec-1")
	assert.False(t, ok)

	reg.Put(Report{ExecutionID: "exec-1", Status: "failed"})

	got, ok := reg.Get("exec-1")
	require.True(t, ok)
	assert.Equal(t, "failed", got.Status)

	taken, ok := reg.Take("exec-1")
	require.True(t, ok)
	assert.Equal(t, "failed", taken.Status)

	_, ok = reg.Get("exec-1")
	assert.False(t, ok)
}
