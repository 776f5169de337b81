package runner

import (
	"testing"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeInputs_CallerValueWins(t *testing.T) {
	wf := &domain.Workflow{Inputs: map[string]domain.InputSpec{
		"env": {Type: domain.InputString, Default: "dev"},
	}}

	merged, err := mergeInputs(wf, map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "prod", merged["env"])
}

func TestMergeInputs_FallsBackToDefault(t *testing.T) {
	wf := &domain.Workflow{Inputs: map[string]domain.InputSpec{
		"env": {Type: domain.InputString, Default: "dev"},
	}}

	merged, err := mergeInputs(wf, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "dev", merged["env"])
}

func TestMergeInputs_RequiredMissingFails(t *testing.T) {
	wf := &domain.Workflow{Inputs: map[string]domain.InputSpec{
		"api_key": {Type: domain.InputString, Required: true},
	}}

	_, err := mergeInputs(wf, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestMergeInputs_UndeclaredCallerKeysPassThrough(t *testing.T) {
	wf := &domain.Workflow{}

	merged, err := mergeInputs(wf, map[string]any{"extra": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, merged["extra"])
}
