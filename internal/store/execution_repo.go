package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// ExecutionRepo persists Execution and NodeExecution rows. Every mutating
// method runs inside db.RunInTx, matching the teacher's BunStore.SaveWorkflow
// transactional scope (commit on return, rollback on error).
type ExecutionRepo struct {
	db *bun.DB
}

// Create inserts a new execution row with no node executions yet.
func (r *ExecutionRepo) Create(ctx context.Context, exec *domain.Execution, workflowPath string, inputs map[string]any) error {
	encodedInputs, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encoding execution inputs: %w", err)
	}
	model := &ExecutionModel{
		ID:           exec.ID,
		WorkflowName: exec.WorkflowName,
		WorkflowPath: workflowPath,
		Status:       statusString(exec.Status),
		TriggerType:  exec.TriggerKind,
		Inputs:       string(encodedInputs),
		StartedAt:    exec.StartedAt,
	}
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(model).Exec(ctx)
		return err
	})
}

// Update rewrites an execution's mutable fields (status, finish time,
// duration, error) and upserts every node execution recorded against it.
func (r *ExecutionRepo) Update(ctx context.Context, exec *domain.Execution) error {
	model := &ExecutionModel{ID: exec.ID}
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewSelect().Model(model).WherePK().Scan(ctx); err != nil {
			return fmt.Errorf("loading execution %s: %w", exec.ID, err)
		}
		model.Status = statusString(exec.Status)
		model.Error = exec.Error
		if exec.FinishedAt != nil {
			finished := *exec.FinishedAt
			model.FinishedAt = &finished
			dur := finished.Sub(exec.StartedAt).Milliseconds()
			model.DurationMs = &dur
		}
		if _, err := tx.NewUpdate().Model(model).WherePK().Exec(ctx); err != nil {
			return err
		}

		for _, ne := range exec.NodeExecutions() {
			rec := *ne
			rec.ExecutionID = exec.ID
			if err := upsertNodeExecution(ctx, tx, &rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertNode persists a single node execution outside of a full Update,
// used by the runner to make each node's result durable immediately after
// it completes rather than buffering until the whole run finishes.
func (r *ExecutionRepo) UpsertNode(ctx context.Context, ne *domain.NodeExecution) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return upsertNodeExecution(ctx, tx, ne)
	})
}

func upsertNodeExecution(ctx context.Context, tx bun.Tx, ne *domain.NodeExecution) error {
	encodedOutput, err := json.Marshal(ne.Output)
	if err != nil {
		return fmt.Errorf("encoding node output: %w", err)
	}

	model := &NodeExecutionModel{
		ID:          ne.ExecutionID + ":" + ne.NodeID,
		ExecutionID: ne.ExecutionID,
		NodeID:      ne.NodeID,
		NodeType:    "",
		Status:      statusString(ne.Status),
		StartedAt:   &ne.StartedAt,
		FinishedAt:  ne.FinishedAt,
		Stdout:      stringField(ne.Output, "stdout"),
		Stderr:      stringField(ne.Output, "stderr"),
		Output:      string(encodedOutput),
		Error:       ne.Error,
	}
	if ne.FinishedAt != nil {
		dur := ne.FinishedAt.Sub(ne.StartedAt).Milliseconds()
		model.DurationMs = &dur
	}

	_, err = tx.NewInsert().Model(model).
		On("CONFLICT (id) DO UPDATE").
		Exec(ctx)
	return err
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// GetByID loads an execution and its node executions by id.
func (r *ExecutionRepo) GetByID(ctx context.Context, id string) (*ExecutionModel, []*NodeExecutionModel, error) {
	model := new(ExecutionModel)
	if err := r.db.NewSelect().Model(model).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, nil, err
	}
	var nodes []*NodeExecutionModel
	if err := r.db.NewSelect().Model(&nodes).Where("execution_id = ?", id).Order("started_at ASC").Scan(ctx); err != nil {
		return nil, nil, err
	}
	return model, nodes, nil
}

// ListByWorkflow returns the most recent executions for a workflow, newest
// first, bounded by limit/offset.
func (r *ExecutionRepo) ListByWorkflow(ctx context.Context, workflow string, limit, offset int) ([]*ExecutionModel, error) {
	q := r.db.NewSelect().Model((*ExecutionModel)(nil)).OrderExpr("started_at DESC")
	if workflow != "" {
		q = q.Where("workflow_name = ?", workflow)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []*ExecutionModel
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRecent returns the most recent executions across all workflows.
func (r *ExecutionRepo) ListRecent(ctx context.Context, limit int) ([]*ExecutionModel, error) {
	return r.ListByWorkflow(ctx, "", limit, 0)
}

// Delete removes an execution and cascades to its node executions, inside
// one transaction.
func (r *ExecutionRepo) Delete(ctx context.Context, id string) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*NodeExecutionModel)(nil)).Where("execution_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*ExecutionModel)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

// CleanupOld deletes every execution (and its cascaded node executions)
// whose started_at is older than the retention window, per spec.md §8's
// round-trip law: "cleanup_old(days=D) leaves exactly those executions
// whose started_at >= now - D days".
func (r *ExecutionRepo) CleanupOld(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var ids []string
	if err := r.db.NewSelect().Model((*ExecutionModel)(nil)).Column("id").
		Where("started_at < ?", cutoff).Scan(ctx, &ids); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*NodeExecutionModel)(nil)).Where("execution_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*ExecutionModel)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stats aggregates a per-workflow execution summary for GET
// /executions/stats.
type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (r *ExecutionRepo) Stats(ctx context.Context, workflow string) (Stats, error) {
	q := r.db.NewSelect().Model((*ExecutionModel)(nil))
	if workflow != "" {
		q = q.Where("workflow_name = ?", workflow)
	}
	var rows []*ExecutionModel
	if err := q.Scan(ctx, &rows); err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, row := range rows {
		s.Total++
		switch domain.Status(row.Status) {
		case domain.StatusSucceeded:
			s.Succeeded++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}
