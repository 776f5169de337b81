package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fireRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fireRecorder) record(name string) func(ctx context.Context, workflowName, workflowPath string) {
	return func(ctx context.Context, workflowName, workflowPath string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, workflowName)
	}
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestService_ScheduleIntervalFiresRepeatedly(t *testing.T) {
	rec := &fireRecorder{}
	svc := New(rec.record("deploy"))
	svc.Start()
	defer svc.Stop()

	require.NoError(t, svc.ScheduleInterval("deploy", "/wf/deploy.yaml", time.Second))

	assert.Eventually(t, func() bool { return rec.count() >= 2 }, 3*time.Second, 5*time.Millisecond)
}

func TestService_ScheduleIntervalRejectsNonPositiveDuration(t *testing.T) {
	svc := New(func(ctx context.Context, workflowName, workflowPath string) {})
	err := svc.ScheduleInterval("deploy", "/wf/deploy.yaml", 0)
	require.Error(t, err)
}

func TestService_ScheduleCronRejectsInvalidExpression(t *testing.T) {
	svc := New(func(ctx context.Context, workflowName, workflowPath string) {})
	err := svc.ScheduleCron("deploy", "/wf/deploy.yaml", "not a cron expr", "")
	require.Error(t, err)
}

func TestService_ScheduleCronRejectsUnknownTimezone(t *testing.T) {
	svc := New(func(ctx context.Context, workflowName, workflowPath string) {})
	err := svc.ScheduleCron("deploy", "/wf/deploy.yaml", "@daily", "Nowhere/Imaginary")
	require.Error(t, err)
}

func TestService_ReschedulingReplacesExistingJob(t *testing.T) {
	svc := New(func(ctx context.Context, workflowName, workflowPath string) {})
	require.NoError(t, svc.ScheduleInterval("deploy", "/a.yaml", time.Hour))
	first, ok := svc.NextRun("deploy")
	require.True(t, ok)

	require.NoError(t, svc.ScheduleInterval("deploy", "/a.yaml", 2*time.Hour))
	second, ok := svc.NextRun("deploy")
	require.True(t, ok)

	assert.NotEqual(t, first, second)
}

func TestService_UnscheduleRemovesJob(t *testing.T) {
	svc := New(func(ctx context.Context, workflowName, workflowPath string) {})
	require.NoError(t, svc.ScheduleInterval("deploy", "/a.yaml", time.Hour))

	svc.Unschedule("deploy")
	_, ok := svc.NextRun("deploy")
	assert.False(t, ok)
}

func TestService_NextRunUnknownWorkflowReturnsFalse(t *testing.T) {
	svc := New(func(ctx context.Context, workflowName, workflowPath string) {})
	_, ok := svc.NextRun("never-scheduled")
	assert.False(t, ok)
}
