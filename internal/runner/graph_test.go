package runner

import (
	"testing"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGraph_Waves_LinearChain(t *testing.T) {
	wf := &domain.Workflow{Nodes: []domain.Node{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}

	g := buildGraph(wf)
	waves, err := g.waves()
	require.NoError(t, err)

	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, waves[0])
	assert.Equal(t, []string{"b"}, waves[1])
	assert.Equal(t, []string{"c"}, waves[2])
}

func TestBuildGraph_Waves_IndependentNodesShareAWave(t *testing.T) {
	wf := &domain.Workflow{Nodes: []domain.Node{
		{ID: "start"},
		{ID: "branch-a", DependsOn: []string{"start"}},
		{ID: "branch-b", DependsOn: []string{"start"}},
		{ID: "join", DependsOn: []string{"branch-a", "branch-b"}},
	}}

	g := buildGraph(wf)
	waves, err := g.waves()
	require.NoError(t, err)

	require.Len(t, waves, 3)
	assert.Equal(t, []string{"start"}, waves[0])
	assert.ElementsMatch(t, []string{"branch-a", "branch-b"}, waves[1])
	assert.Equal(t, []string{"join"}, waves[2])
}

func TestBuildGraph_Waves_PreservesDeclarationOrderWithinAWave(t *testing.T) {
	wf := &domain.Workflow{Nodes: []domain.Node{
		{ID: "z"},
		{ID: "y"},
		{ID: "x"},
	}}

	g := buildGraph(wf)
	waves, err := g.waves()
	require.NoError(t, err)

	require.Len(t, waves, 1)
	assert.Equal(t, []string{"z", "y", "x"}, waves[0])
}
