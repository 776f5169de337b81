package broadcast

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	failOn func(f Frame) bool
}

func (s *fakeSubscriber) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil && s.failOn(f) {
		return errors.New("send failed")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestBroadcaster_SubscribeSendsConnectedFrame(t *testing.T) {
	b := NewBroadcaster()
	sub := &fakeSubscriber{}
	unsub := b.Subscribe("exec-1", sub)
	defer unsub()

	require.Equal(t, 1, sub.count())
	assert.Equal(t, "connected", sub.frames[0].Status)
}

func TestBroadcaster_PublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	subA := &fakeSubscriber{}
	subB := &fakeSubscriber{}
	b.Subscribe("exec-1", subA)
	b.Subscribe("exec-1", subB)

	b.Publish(Frame{Kind: FrameLog, ExecutionID: "exec-1", NodeID: "build"})

	assert.Equal(t, 2, subA.count())
	assert.Equal(t, 2, subB.count())
}

func TestBroadcaster_PublishOnlyReachesMatchingExecution(t *testing.T) {
	b := NewBroadcaster()
	sub := &fakeSubscriber{}
	b.Subscribe("exec-1", sub)

	b.Publish(Frame{Kind: FrameLog, ExecutionID: "exec-2"})

	assert.Equal(t, 1, sub.count())
}

func TestBroadcaster_EvictsFailingSubscriber(t *testing.T) {
	b := NewBroadcaster()
	sub := &fakeSubscriber{failOn: func(f Frame) bool { return f.Kind == FrameLog }}
	b.Subscribe("exec-1", sub)
	assert.Equal(t, 1, b.SubscriberCount("exec-1"))

	b.Publish(Frame{Kind: FrameLog, ExecutionID: "exec-1"})

	assert.Equal(t, 0, b.SubscriberCount("exec-1"))
}

func TestBroadcaster_UnsubscribeRemovesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	sub := &fakeSubscriber{}
	unsub := b.Subscribe("exec-1", sub)

	unsub()
	assert.Equal(t, 0, b.SubscriberCount("exec-1"))
}

func TestBroadcaster_PublishFinalSendsStatusThenCloses(t *testing.T) {
	b := NewBroadcaster()
	sub := &fakeSubscriber{}
	b.Subscribe("exec-1", sub)

	b.PublishFinal("exec-1", "succeeded", 1200, "")

	require.Equal(t, 2, sub.count())
	final := sub.frames[1]
	assert.Equal(t, "succeeded", final.Status)
	assert.Equal(t, int64(1200), final.DurationMs)
	assert.True(t, sub.closed)
	assert.Equal(t, 0, b.SubscriberCount("exec-1"))
}

func TestBroadcaster_SubscriberCountForUnknownExecutionIsZero(t *testing.T) {
	b := NewBroadcaster()
	assert.Equal(t, 0, b.SubscriberCount("ghost"))
}
