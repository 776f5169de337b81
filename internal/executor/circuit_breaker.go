package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/smilemakc/flowpilot/internal/retry"
)

// CircuitState is spec.md §3's closed/open/half-open breaker state machine.
// Shape grounded on the teacher's internal/application/executor/circuit_breaker.go;
// the half-open→closed transition and the failure-classification hook below
// are adapted to spec.md §4.4's rules rather than carried over unchanged.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one breaker instance.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips a closed
	// breaker open.
	FailureThreshold int
	// SuccessThreshold is accepted for config-literal compatibility with
	// callers that set it, but per spec.md §4.4 ("any probe success closes
	// the circuit") a half-open breaker always closes on its first
	// successful probe — this field no longer gates that decision.
	SuccessThreshold int
	// Timeout is how long an open breaker waits before admitting a
	// half-open probe.
	Timeout time.Duration
	// MaxConcurrentRequests bounds half-open probes in flight
	// (half_open_in_flight in spec.md §3's circuit-breaker data model).
	MaxConcurrentRequests int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:      5,
		SuccessThreshold:      1,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// CircuitBreaker is a process-scoped, named breaker protecting a shared
// remote resource (an HTTP host, a chat API), per spec.md §3.
type CircuitBreaker struct {
	mu sync.RWMutex

	config CircuitBreakerConfig
	state  CircuitState

	failureCount    int
	successCount    int
	totalFailures   int
	totalSuccesses  int
	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	halfOpenInFlight int
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under breaker protection: rejected outright while open,
// admitted (and counted) while closed or half-open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return nil
		}
		return &CircuitBreakerOpenError{OpenedAt: cb.openedAt, Timeout: cb.config.Timeout}
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxConcurrentRequests {
			return &CircuitBreakerOpenError{OpenedAt: cb.openedAt, Timeout: cb.config.Timeout}
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return errors.New("unknown circuit breaker state")
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight--
	}
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.successCount = 0
	cb.totalFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.openedAt = time.Now()
		}
	case StateHalfOpen:
		// Any probe failure reopens, per spec.md §4.4.
		cb.setState(StateOpen)
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.successCount++
	cb.failureCount = 0
	cb.totalSuccesses++

	if cb.state == StateHalfOpen {
		// Any probe success closes the circuit, per spec.md §4.4 — unlike
		// the teacher's half-open gate, there's no multi-success threshold.
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state != newState {
		cb.state = newState
		cb.lastStateChange = time.Now()
		if newState == StateClosed {
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]any{
		"state":                 cb.state.String(),
		"failure_count":         cb.failureCount,
		"success_count":         cb.successCount,
		"consecutive_failures":  cb.failureCount,
		"consecutive_successes": cb.successCount,
		"total_failures":        cb.totalFailures,
		"total_successes":       cb.totalSuccesses,
		"half_open_in_flight":   cb.halfOpenInFlight,
		"last_state_change":     cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailureTime.IsZero() {
		stats["last_failure_time"] = cb.lastFailureTime.Format(time.RFC3339)
	}
	if cb.state == StateOpen {
		stats["opened_at"] = cb.openedAt.Format(time.RFC3339)
		stats["time_until_half_open"] = (cb.config.Timeout - time.Since(cb.openedAt)).String()
	}
	return stats
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	cb.lastStateChange = time.Now()
}

// CircuitBreakerOpenError is returned when a breaker rejects a call.
type CircuitBreakerOpenError struct {
	OpenedAt time.Time
	Timeout  time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	remaining := e.Timeout - time.Since(e.OpenedAt)
	return fmt.Sprintf("circuit breaker is open, retry in %v", remaining)
}

// CircuitBreakerExecutor wraps a NodeExecutor with circuit-breaker
// protection, keyed by the wrapped executor's node kind. Unlike the
// teacher's version — which counts every non-nil error against the
// breaker — a permanently-classified failure (bad input, auth, validation;
// see internal/retry.Classify) does not count as evidence the downstream
// resource is unhealthy, so it doesn't trip the breaker even though it
// still surfaces as the node's error.
type CircuitBreakerExecutor struct {
	executor NodeExecutor
	breaker  *CircuitBreaker
}

func NewCircuitBreakerExecutor(ex NodeExecutor, config CircuitBreakerConfig) *CircuitBreakerExecutor {
	return &CircuitBreakerExecutor{executor: ex, breaker: NewCircuitBreaker(config)}
}

func (cbe *CircuitBreakerExecutor) Kind() domain.NodeKind { return cbe.executor.Kind() }

func (cbe *CircuitBreakerExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	var output map[string]any
	var execErr error

	err := cbe.breaker.Execute(ec.Context, func() error {
		output, execErr = cbe.executor.Execute(ec)
		if execErr != nil && retry.Classify(execErr) == retry.ClassPermanent {
			return nil
		}
		return execErr
	})
	if err != nil && execErr == nil {
		// The breaker itself rejected the call before the executor ran.
		return nil, err
	}
	return output, execErr
}

func (cbe *CircuitBreakerExecutor) GetCircuitBreaker() *CircuitBreaker { return cbe.breaker }

// CircuitBreakerRegistry manages one breaker per key string (the runner
// keys by node kind), lazily created with double-checked locking.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{breakers: make(map[string]*CircuitBreaker), config: config}
}

func (r *CircuitBreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.config)
	r.breakers[key] = cb
	return cb
}

func (r *CircuitBreakerRegistry) Reset(key string) {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		cb.Reset()
	}
}

func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

func (r *CircuitBreakerRegistry) GetStats() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]map[string]any, len(r.breakers))
	for key, cb := range r.breakers {
		stats[key] = cb.Stats()
	}
	return stats
}
