// Package broadcast implements the live-log fan-out (spec.md §4.7): a
// per-execution set of subscribers that receive status/log/error/heartbeat
// frames as the runner produces them. Grounded on the teacher's
// internal/infrastructure/websocket.Hub, generalized from the teacher's
// user/workflow subscription model (client-subscribes-to-many-workflows)
// down to spec.md's simpler per-execution fan-out, and kept
// transport-agnostic: the websocket upgrade in internal/api adapts a
// gorilla/websocket connection to the Subscriber interface below.
package broadcast

import (
	"sync"
	"time"
)

// FrameKind identifies the four frame shapes spec.md §4.7 names.
type FrameKind string

const (
	FrameStatus    FrameKind = "status"
	FrameLog       FrameKind = "log"
	FrameError     FrameKind = "error"
	FrameHeartbeat FrameKind = "heartbeat"
)

// Frame is one message published to an execution's subscribers.
type Frame struct {
	Kind        FrameKind `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`

	// status frames
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`

	// log frames (one per completed node)
	NodeID     string `json:"node_id,omitempty"`
	NodeType   string `json:"node_type,omitempty"`
	NodeStatus string `json:"node_status,omitempty"`
	Output     any    `json:"output,omitempty"`

	// error frames
	Message string `json:"message,omitempty"`
}

// Subscriber receives frames for one execution. Send must not block
// indefinitely: a subscriber backed by a network connection should apply
// its own write deadline and return an error on timeout so the broadcaster
// can evict it instead of stalling the publisher (spec.md §9: "on a failed
// send to a subscriber, evict that subscriber rather than blocking the
// publisher").
type Subscriber interface {
	Send(f Frame) error
	Close()
}

// Broadcaster owns the execution_id -> subscriber-set mapping and fans
// every publish out to the current subscriber set, evicting any subscriber
// whose Send fails. Grounded on the teacher's Hub, reduced to a single
// index (no user/workflow secondary indexes — spec.md's subscription unit
// is the execution, full stop) and made synchronous: Publish copies the
// subscriber set under a read lock, releases it, and calls Send directly
// rather than routing through a channel, since
// the broadcaster has no ordering requirement to preserve across a select
// loop and callers already run on their own goroutine per execution.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[Subscriber]bool)}
}

// Subscribe registers sub for executionID and immediately sends the
// "connected" status frame spec.md §4.7 requires. The returned function
// unregisters sub; callers should defer it.
func (b *Broadcaster) Subscribe(executionID string, sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[Subscriber]bool)
	}
	b.subs[executionID][sub] = true
	b.mu.Unlock()

	_ = sub.Send(Frame{
		Kind:        FrameStatus,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Status:      "connected",
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[executionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, executionID)
			}
		}
	}
}

// Publish fans f out to every current subscriber of f.ExecutionID. A
// subscriber whose Send returns an error is evicted from f.ExecutionID's
// subscriber set only; it receives no further frames for that execution
// until it re-subscribes.
func (b *Broadcaster) Publish(f Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	set := b.subs[f.ExecutionID]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var dead []Subscriber
	for _, sub := range targets {
		if err := sub.Send(f); err != nil {
			dead = append(dead, sub)
		}
	}
	if len(dead) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[f.ExecutionID]; ok {
		for _, sub := range dead {
			delete(set, sub)
		}
		if len(set) == 0 {
			delete(b.subs, f.ExecutionID)
		}
	}
}

// PublishFinal sends the terminal status frame and then closes every
// subscriber of executionID, per spec.md §4.7 ("upon execution completion
// the broadcaster emits a final status frame carrying final state,
// duration, and error summary, then closes").
func (b *Broadcaster) PublishFinal(executionID, status string, durationMs int64, errMsg string) {
	b.Publish(Frame{
		Kind:        FrameStatus,
		ExecutionID: executionID,
		Status:      status,
		DurationMs:  durationMs,
		Error:       errMsg,
	})

	b.mu.Lock()
	set := b.subs[executionID]
	delete(b.subs, executionID)
	b.mu.Unlock()

	for sub := range set {
		sub.Close()
	}
}

// SubscriberCount reports how many subscribers are currently attached to
// executionID, for diagnostics and tests.
func (b *Broadcaster) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}
