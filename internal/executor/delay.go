package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// DelayExecutor pauses the node's branch either for a fixed duration
// (`duration:`) or until a wall-clock time (`until:`), grounded on the
// teacher's context-aware backoff wait in
// internal/application/executor/retry.go (`select { case <-ctx.Done():
// ...; case <-time.After(delay): }`), with the duration grammar itself
// ported from the original Python implementation's DURATION_PATTERN
// (flowpilot/engine/nodes/delay.py).
//
// Open question resolution (SPEC_FULL.md): `until` is always resolved
// against UTC. A datetime without an offset is read as UTC, and a bare
// HH:MM[:SS] rolls to the next UTC day if already past.
type DelayExecutor struct {
	eval Evaluator
}

func NewDelayExecutor(eval Evaluator) *DelayExecutor {
	return &DelayExecutor{eval: eval}
}

func (e *DelayExecutor) Kind() domain.NodeKind { return domain.KindDelay }

// durationPattern mirrors the original's DURATION_PATTERN: a number
// (fractional allowed) followed by one of the short or long unit spellings,
// matched case-insensitively.
var durationPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(s|sec|seconds?|m|min|minutes?|h|hr|hours?|d|days?)$`)

var durationUnitSeconds = map[string]float64{
	"s": 1, "sec": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hr": 3600, "hour": 3600, "hours": 3600,
	"d": 86400, "day": 86400, "days": 86400,
}

// parseSpecDuration parses spec.md §4.3's duration grammar
// ("Ns"/"Nm"/"Nh"/"Nd", fractional ok, case-insensitive, with long unit
// spellings) into a time.Duration.
func parseSpecDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	match := durationPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return 0, fmt.Errorf("invalid duration format %q: use formats like '30s', '5m', '2h', '1d'", value)
	}
	amount, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number %q: %w", match[1], err)
	}
	unit := strings.ToLower(match[2])
	seconds := amount * durationUnitSeconds[unit]
	return time.Duration(seconds * float64(time.Second)), nil
}

func (e *DelayExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config

	var wait time.Duration
	now := time.Now().UTC()

	if durStr, ok := cfg["duration"].(string); ok && durStr != "" {
		d, err := parseSpecDuration(durStr)
		if err != nil {
			return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
				"invalid duration", err, false)
		}
		wait = d
	} else if until, ok := cfg["until"].(string); ok && until != "" {
		target, err := parseUntil(until, now)
		if err != nil {
			return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
				"invalid until timestamp", err, false)
		}
		wait = target.Sub(now)
		if wait < 0 {
			wait = 0
		}
	} else {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"delay node requires either duration or until", nil, false)
	}

	select {
	case <-ec.Context.Done():
		return nil, ec.Context.Err()
	case <-time.After(wait):
	}

	return map[string]any{"waited": wait.String()}, nil
}

func parseUntil(value string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
			if target.Before(now) {
				target = target.AddDate(0, 0, 1)
			}
			return target, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized until format %q", value)
}
