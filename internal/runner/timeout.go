package runner

import (
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// defaultTimeout returns the per-kind timeout spec.md §4.2 defines: the
// node's declared value if present, otherwise the kind's default, with
// control-flow nodes (condition/loop/parallel) defaulting to 300s.
func defaultTimeout(n domain.Node) time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	switch n.Kind {
	case domain.KindShell:
		return 60 * time.Second
	case domain.KindHTTP:
		return 30 * time.Second
	case domain.KindChatCLI:
		return 300 * time.Second
	case domain.KindChatAPI:
		return 120 * time.Second
	case domain.KindCondition, domain.KindLoop, domain.KindParallel:
		return 300 * time.Second
	default:
		return 30 * time.Second
	}
}
