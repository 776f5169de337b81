package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor is a minimal NodeExecutor double for exercising
// CircuitBreakerExecutor without a real node implementation.
type stubExecutor struct {
	kind     domain.NodeKind
	err      error
	called2  bool
	attempts int
}

func (s *stubExecutor) Kind() domain.NodeKind { return s.kind }

func (s *stubExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	s.attempts++
	if s.attempts > 1 {
		s.called2 = true
	}
	return nil, s.err
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute, MaxConcurrentRequests: 1})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OpenRejectsWithoutCallingFn(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	var openErr *CircuitBreakerOpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestCircuitBreaker_TransitionsToHalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	time.Sleep(15 * time.Millisecond)

	_ = cb.Execute(context.Background(), func() error { return errors.New("still broken") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StatsReflectCounts(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), func() error { return errors.New("x") })

	stats := cb.Stats()
	assert.Equal(t, 1, stats["total_successes"])
	assert.Equal(t, 1, stats["total_failures"])
}

func TestCircuitBreakerRegistry_LazilyCreatesPerKey(t *testing.T) {
	reg := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())

	cb1 := reg.Get("http")
	cb2 := reg.Get("http")
	cb3 := reg.Get("shell")

	assert.Same(t, cb1, cb2)
	assert.NotSame(t, cb1, cb3)
}

func TestCircuitBreakerRegistry_ResetAndResetAll(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxConcurrentRequests: 1})
	cb := reg.Get("http")
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	reg.Reset("http")
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	reg.ResetAll()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerExecutor_WrapsUnderlyingExecutor(t *testing.T) {
	stub := &stubExecutor{kind: "shell", err: errors.New("fail")}
	cbe := NewCircuitBreakerExecutor(stub, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxConcurrentRequests: 1})

	_, err := cbe.Execute(&ExecContext{Context: context.Background()})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cbe.GetCircuitBreaker().State())

	_, err = cbe.Execute(&ExecContext{Context: context.Background()})
	require.Error(t, err)
	assert.False(t, stub.called2)
}

func TestCircuitBreakerExecutor_PermanentFailureDoesNotTripBreaker(t *testing.T) {
	permanentErr := flowerrors.NewNodeExecutionError("wf", "exec", "ask", "chat-api", 1, "bad request", nil, false)
	stub := &stubExecutor{kind: "chat-api", err: permanentErr}
	cbe := NewCircuitBreakerExecutor(stub, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxConcurrentRequests: 1})

	_, err := cbe.Execute(&ExecContext{Context: context.Background()})
	require.Error(t, err)
	assert.Equal(t, StateClosed, cbe.GetCircuitBreaker().State())

	_, err = cbe.Execute(&ExecContext{Context: context.Background()})
	require.Error(t, err)
	assert.True(t, stub.called2, "breaker should still admit the next call since the prior failure wasn't circuit-relevant")
}

func TestCircuitBreaker_HalfOpenClosesOnFirstProbeSuccessRegardlessOfSuccessThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 5, Timeout: 10 * time.Millisecond, MaxConcurrentRequests: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State(), "a single successful probe must close the circuit even when SuccessThreshold is higher")
}
