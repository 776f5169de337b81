// Package retry implements the exponential-backoff retry executor wrapper
// and the error-classification taxonomy spec.md §4.4 requires. Grounded on
// the teacher's internal/application/executor/retry.go, with the
// message-content classification rules ported from the original Python
// implementation's classify_error_message (flowpilot/engine/errors.py).
package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// Class is the error-taxonomy bucket §4.4 assigns every execution failure
// to, in order to decide whether a retry is worth attempting. Its values
// match flowerrors.Category one-for-one — Class exists so this package's
// public API doesn't leak the domain/errors import to every caller that
// only wants to classify.
type Class string

const (
	// ClassTransient is a failure expected to resolve on its own: network
	// hiccups, 5xx responses, timeouts.
	ClassTransient Class = Class(flowerrors.CategoryTransient)
	// ClassPermanent will not succeed on retry: bad input, 4xx responses,
	// validation failures.
	ClassPermanent Class = Class(flowerrors.CategoryPermanent)
	// ClassResource indicates rate limits, quota exhaustion, or local
	// resource exhaustion — retryable, but only after backing off further
	// than a transient failure would need.
	ClassResource Class = Class(flowerrors.CategoryResource)
	// ClassUnknown is assigned when nothing more specific applies; treated
	// as retryable so a misclassification fails open rather than closed.
	ClassUnknown Class = Class(flowerrors.CategoryUnknown)
)

// Classify buckets err into a Class, ignoring any retry-after hint. See
// ClassifyWithHint for the full classification including the hint.
func Classify(err error) Class {
	class, _ := ClassifyWithHint(err)
	return class
}

// ClassifyWithHint buckets err into a Class and a suggested retry-after
// delay (zero when none applies — the caller should fall back to its own
// computed exponential backoff). Precedence:
//  1. an explicit Category/RetryAfter an executor attached to the error
//     (http.go's 429/5xx handling, chatapi.go's rate-limit handling, ...)
//     is authoritative;
//  2. otherwise, for a *flowerrors.NodeExecutionError, its message text is
//     matched against the same keyword rules the original implementation's
//     classify_error_message used, with the error's own Retryable flag
//     forcing permanent when the flag says no retry regardless of keyword
//     match;
//  3. otherwise the error is inspected structurally (net.Error,
//     context deadline/cancel, os.PathError), with no hint.
func ClassifyWithHint(err error) (Class, time.Duration) {
	if err == nil {
		return ClassPermanent, 0
	}

	if cat, ok := flowerrors.CategoryOf(err); ok {
		hint, _ := flowerrors.RetryAfterOf(err)
		return Class(cat), hint
	}

	var nodeErr *flowerrors.NodeExecutionError
	if errors.As(err, &nodeErr) {
		if msgClass, hint, ok := classifyMessage(nodeErr.Message); ok {
			if !nodeErr.Retryable {
				return ClassPermanent, 0
			}
			return msgClass, hint
		}
		if nodeErr.Retryable {
			return ClassTransient, 0
		}
		return ClassPermanent, 0
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient, 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient, 0
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return ClassPermanent, 0
		}
		return ClassResource, 0
	}

	return ClassUnknown, 0
}

// classifyMessage buckets an error message by keyword and supplies the
// retry-after hint the original implementation's classify_error_message
// associates with that keyword group. ok is false when no keyword matched.
func classifyMessage(message string) (class Class, retryAfter time.Duration, ok bool) {
	lower := strings.ToLower(message)

	switch {
	case containsAny(lower, "rate limit", "429", "too many requests", "quota"):
		return ClassResource, 60 * time.Second, true
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return ClassTransient, 5 * time.Second, true
	case containsAny(lower, "connection", "network", "dns", "unreachable", "refused"):
		return ClassTransient, 5 * time.Second, true
	case containsAny(lower, "unauthorized", "authentication", "forbidden", "invalid key", "api key"):
		return ClassPermanent, 0, true
	case containsAny(lower, "validation", "invalid", "malformed", "bad request"):
		return ClassPermanent, 0, true
	case containsAny(lower, "not found", "does not exist", "404"):
		return ClassPermanent, 0, true
	case containsAny(lower, "server error", "internal error", "500", "502", "503", "504"):
		return ClassTransient, 30 * time.Second, true
	default:
		return "", 0, false
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether Class c should ever be retried.
func IsRetryable(c Class) bool {
	return c == ClassTransient || c == ClassResource || c == ClassUnknown
}
