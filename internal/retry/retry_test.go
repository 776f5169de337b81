package retry

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

func TestFromSpec_AppliesDefaults(t *testing.T) {
	p := FromSpec(domain.RetrySpec{MaxAttempts: 2})
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.True(t, p.Jitter)
}

func TestAttempt_SucceedsOnFirstTry(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	calls := 0

	err := Attempt(context.Background(), policy, func(attempt int) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAttempt_RetriesTransientFailureThenSucceeds(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0

	err := Attempt(context.Background(), policy, func(attempt int) error {
		calls++
		if calls < 3 {
			return flowerrors.NewNodeExecutionError("wf", "exec", "fetch", "http", attempt, "timeout", nil, true)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestAttempt_StopsImmediatelyOnPermanentError(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0

	err := Attempt(context.Background(), policy, func(attempt int) error {
		calls++
		return flowerrors.NewNodeExecutionError("wf", "exec", "fetch", "http", attempt, "bad request", nil, false)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAttempt_ExhaustsRetriesAndWrapsLastError(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0

	err := Attempt(context.Background(), policy, func(attempt int) error {
		calls++
		return flowerrors.NewNodeExecutionError("wf", "exec", "fetch", "http", attempt, "still failing", nil, true)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Contains(t, err.Error(), "max retry attempts (2) exhausted")
}

func TestAttempt_CancelledContextStopsRetries(t *testing.T) {
	policy := Policy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Attempt(ctx, policy, func(attempt int) error {
		calls++
		return flowerrors.NewNodeExecutionError("wf", "exec", "fetch", "http", attempt, "transient", nil, true)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	assert.True(t, b.CanRetry())
	assert.True(t, b.Use())
	assert.Equal(t, 1, b.Remaining())
	assert.True(t, b.Use())
	assert.False(t, b.CanRetry())
	assert.False(t, b.Use())
}

func TestCalculateDelay_JitterStaysWithinHalfToOneAndHalfRange(t *testing.T) {
	policy := Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}
	base := time.Second // attempt=1 => InitialDelay * Multiplier^0

	for i := 0; i < 200; i++ {
		d := calculateDelay(policy, 1)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.5))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.5))
	}
}

func TestAttempt_ServerRetryAfterOverridesComputedBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	calls := 0

	start := time.Now()
	err := Attempt(context.Background(), policy, func(attempt int) error {
		calls++
		if calls == 1 {
			nerr := flowerrors.NewNodeExecutionError("wf", "exec", "fetch", "http", attempt, "rate limited", nil, true)
			nerr.Category = flowerrors.CategoryResource
			nerr.RetryAfter = 5 * time.Millisecond
			return nerr
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second, "explicit retry_after should override the hour-long computed backoff")
}

func TestAttempt_WrappedErrorUnwrapsToLastCause(t *testing.T) {
	policy := Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	sentinel := errors.New("boom")

	err := Attempt(context.Background(), policy, func(attempt int) error {
		return flowerrors.NewNodeExecutionError("wf", "exec", "fetch", "http", attempt, "boom", sentinel, true)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
}
