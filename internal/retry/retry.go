package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// Policy defines the retry behavior for node execution failures. Grounded
// on the teacher's RetryPolicy, unchanged in shape.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// FromSpec converts a node's declared RetrySpec into a Policy.
func FromSpec(spec domain.RetrySpec) Policy {
	p := Policy{
		MaxAttempts:  spec.MaxAttempts,
		InitialDelay: spec.InitialDelay,
		MaxDelay:     spec.MaxDelay,
		Multiplier:   spec.Multiplier,
		Jitter:       true,
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Attempt runs fn, retrying on transient/resource-classified errors up to
// policy.MaxAttempts additional times with exponential backoff and jitter;
// an unknown-classified error is retried at most once, and its second
// failure is returned as is. A permanently-classified error short-circuits to a single
// attempt regardless of MaxAttempts, per spec.md §4.4. When the failed
// attempt's error carries a server-specified retry-after (an HTTP
// Retry-After header, or the ~60s default spec.md §4.4 assigns a
// rate-limit/quota classification), that value overrides the computed
// backoff for the very next attempt.
func Attempt(ctx context.Context, policy Policy, fn func(attempt int) error) error {
	var lastErr error
	var retryAfterOverride time.Duration

	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryAfterOverride
			if delay <= 0 {
				delay = calculateDelay(policy, attempt)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		class, hint := ClassifyWithHint(err)
		retryAfterOverride = hint
		if !IsRetryable(class) {
			return err
		}
		if class == ClassUnknown && attempt >= 1 {
			return err
		}
		if attempt >= policy.MaxAttempts {
			break
		}
	}

	if policy.MaxAttempts == 0 {
		return lastErr
	}
	return fmt.Errorf("max retry attempts (%d) exhausted: %w", policy.MaxAttempts, lastErr)
}

func calculateDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		// Uniform in [0.5*delay, 1.5*delay], per spec.md §4.4.
		delay = delay * (0.5 + rand.Float64())
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Budget tracks the number of retries spent across an execution to prevent
// runaway retry storms, mirroring the teacher's RetryBudget.
type Budget struct {
	max  int
	used int
}

func NewBudget(max int) *Budget { return &Budget{max: max} }

func (b *Budget) CanRetry() bool { return b.used < b.max }

func (b *Budget) Use() bool {
	if !b.CanRetry() {
		return false
	}
	b.used++
	return true
}

func (b *Budget) Remaining() int { return b.max - b.used }
