package runner

import (
	"testing"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestDefaultTimeout_NodeDeclaredValueWins(t *testing.T) {
	n := domain.Node{Kind: domain.KindShell, Timeout: 5 * time.Second}
	assert.Equal(t, 5*time.Second, defaultTimeout(n))
}

func TestDefaultTimeout_PerKindDefaults(t *testing.T) {
	assert.Equal(t, 60*time.Second, defaultTimeout(domain.Node{Kind: domain.KindShell}))
	assert.Equal(t, 30*time.Second, defaultTimeout(domain.Node{Kind: domain.KindHTTP}))
	assert.Equal(t, 300*time.Second, defaultTimeout(domain.Node{Kind: domain.KindChatCLI}))
	assert.Equal(t, 120*time.Second, defaultTimeout(domain.Node{Kind: domain.KindChatAPI}))
	assert.Equal(t, 300*time.Second, defaultTimeout(domain.Node{Kind: domain.KindCondition}))
	assert.Equal(t, 300*time.Second, defaultTimeout(domain.Node{Kind: domain.KindLoop}))
	assert.Equal(t, 300*time.Second, defaultTimeout(domain.Node{Kind: domain.KindParallel}))
	assert.Equal(t, 30*time.Second, defaultTimeout(domain.Node{Kind: domain.KindFileRead}))
}
