package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// openTestStore connects to FLOWPILOT_TEST_DATABASE_DSN, skipping the test
// when it isn't set — mirroring the teacher's own BunStore integration
// test, which requires a reachable Postgres instance rather than mocking
// bun.DB.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FLOWPILOT_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("FLOWPILOT_TEST_DATABASE_DSN not set, skipping store integration test")
	}
	s := Open(dsn)
	require.NoError(t, s.InitSchema(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ExecutionCreateGetUpdateDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec := domain.NewExecution(uuid.NewString(), "deploy", "/wf/deploy.yaml", "manual", map[string]any{"ref": "main"})
	require.NoError(t, s.Executions.Create(ctx, exec, "/wf/deploy.yaml", map[string]any{"ref": "main"}))

	row, nodes, err := s.Executions.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy", row.WorkflowName)
	assert.Empty(t, nodes)

	exec.RecordNode(&domain.NodeExecution{NodeID: "build", Status: domain.StatusSucceeded, StartedAt: time.Now().UTC()})
	exec.Complete(nil)
	require.NoError(t, s.Executions.Update(ctx, exec))

	row, nodes, err = s.Executions.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", row.Status)
	require.Len(t, nodes, 1)
	assert.Equal(t, "build", nodes[0].NodeID)

	require.NoError(t, s.Executions.Delete(ctx, exec.ID))
	_, _, err = s.Executions.GetByID(ctx, exec.ID)
	assert.Error(t, err)
}

func TestStore_ExecutionListByWorkflowAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "list-test-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		exec := domain.NewExecution(uuid.NewString(), name, "/wf/"+name+".yaml", "manual", nil)
		require.NoError(t, s.Executions.Create(ctx, exec, "/wf/"+name+".yaml", nil))
		exec.Complete(nil)
		require.NoError(t, s.Executions.Update(ctx, exec))
	}

	rows, err := s.Executions.ListByWorkflow(ctx, name, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	stats, err := s.Executions.Stats(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Succeeded)
}

func TestStore_ScheduleUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "schedule-test-" + uuid.NewString()
	require.NoError(t, s.Schedules.Upsert(ctx, name, "/wf/"+name+".yaml", true, nil))

	row, err := s.Schedules.Get(ctx, name)
	require.NoError(t, err)
	assert.True(t, row.Enabled)

	require.NoError(t, s.Schedules.SetEnabled(ctx, name, false))
	row, err = s.Schedules.Get(ctx, name)
	require.NoError(t, err)
	assert.False(t, row.Enabled)

	require.NoError(t, s.Schedules.Delete(ctx, name))
	_, err = s.Schedules.Get(ctx, name)
	assert.Error(t, err)
}

func TestStore_ExecutionCleanupOldRespectsRetentionWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "cleanup-test-" + uuid.NewString()
	exec := domain.NewExecution(uuid.NewString(), name, "/wf/"+name+".yaml", "manual", nil)
	require.NoError(t, s.Executions.Create(ctx, exec, "/wf/"+name+".yaml", nil))

	deleted, err := s.Executions.CleanupOld(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, 1)

	_, _, err = s.Executions.GetByID(ctx, exec.ID)
	assert.Error(t, err)
}
