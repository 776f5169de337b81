package executor

import (
	"testing"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelExecutor_ReturnsMembersAndDefaults(t *testing.T) {
	ex := NewParallelExecutor()
	ec := &ExecContext{Node: domain.Node{ID: "fanout", Config: map[string]any{
		"nodes": []any{"task-a", "task-b"},
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a", "task-b"}, out["members"])
	assert.Equal(t, true, out["fail_fast"])
}

func TestParallelExecutor_FailFastCanBeDisabled(t *testing.T) {
	ex := NewParallelExecutor()
	ec := &ExecContext{Node: domain.Node{ID: "fanout", Config: map[string]any{
		"nodes":     []any{"task-a"},
		"fail_fast": false,
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, false, out["fail_fast"])
}

func TestParallelExecutor_MaxConcurrency(t *testing.T) {
	ex := NewParallelExecutor()
	ec := &ExecContext{Node: domain.Node{ID: "fanout", Config: map[string]any{
		"nodes":           []any{"task-a", "task-b", "task-c"},
		"max_concurrency": 2,
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, 2, out["max_concurrency"])
}

func TestParallelExecutor_EmptyNodesErrors(t *testing.T) {
	ex := NewParallelExecutor()
	ec := &ExecContext{Node: domain.Node{ID: "fanout", Config: map[string]any{}}}

	_, err := ex.Execute(ec)
	require.Error(t, err)
}

func TestParallelExecutor_Kind(t *testing.T) {
	ex := NewParallelExecutor()
	assert.Equal(t, domain.KindParallel, ex.Kind())
}
