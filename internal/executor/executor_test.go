package executor

import (
	"testing"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/smilemakc/flowpilot/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewShellExecutor())

	ex, err := r.Get(domain.KindShell)
	require.NoError(t, err)
	assert.Equal(t, domain.KindShell, ex.Kind())
}

func TestRegistry_GetUnknownKindErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(domain.KindHTTP)
	require.Error(t, err)
}

func TestRegistry_RegisterReplacesExistingKind(t *testing.T) {
	r := NewRegistry()
	first := NewShellExecutor()
	r.Register(first)
	r.Register(NewShellExecutor())

	ex, err := r.Get(domain.KindShell)
	require.NoError(t, err)
	assert.NotSame(t, first, ex)
}

func TestNewDefaultRegistry_RegistersEveryNodeKind(t *testing.T) {
	r := NewDefaultRegistry(Dependencies{Evaluator: template.NewEvaluator()})

	kinds := []domain.NodeKind{
		domain.KindShell, domain.KindHTTP, domain.KindFileRead, domain.KindFileWrite,
		domain.KindCondition, domain.KindDelay, domain.KindChatCLI, domain.KindChatAPI,
		domain.KindLoop, domain.KindParallel,
	}
	for _, k := range kinds {
		_, err := r.Get(k)
		assert.NoError(t, err, "expected an executor registered for %s", k)
	}
}
