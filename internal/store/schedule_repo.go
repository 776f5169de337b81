package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ScheduleRepo persists the Schedule row spec.md §3 describes: one per
// workflow, unique by name, mutated on every scheduled firing.
type ScheduleRepo struct {
	db *bun.DB
}

// Upsert creates or updates the schedule row for workflowName.
func (r *ScheduleRepo) Upsert(ctx context.Context, workflowName, workflowPath string, enabled bool, triggerConfig any) error {
	encoded, err := json.Marshal(triggerConfig)
	if err != nil {
		return fmt.Errorf("encoding trigger config: %w", err)
	}
	now := time.Now().UTC()
	model := &ScheduleModel{
		WorkflowName:  workflowName,
		WorkflowPath:  workflowPath,
		Enabled:       enabled,
		TriggerConfig: string(encoded),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(model).
			On("CONFLICT (workflow_name) DO UPDATE").
			Set("workflow_path = EXCLUDED.workflow_path").
			Set("enabled = EXCLUDED.enabled").
			Set("trigger_config = EXCLUDED.trigger_config").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

// SetEnabled toggles the enabled flag without touching trigger_config,
// used by pause/resume.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, workflowName string, enabled bool) error {
	_, err := r.db.NewUpdate().Model((*ScheduleModel)(nil)).
		Set("enabled = ?", enabled).
		Set("updated_at = ?", time.Now().UTC()).
		Where("workflow_name = ?", workflowName).
		Exec(ctx)
	return err
}

// RecordFiring updates next_run/last_run/last_status after a scheduler
// firing, per spec.md §4.6 ("on fire ... updates the schedule row's
// last_run/last_status/next_run").
func (r *ScheduleRepo) RecordFiring(ctx context.Context, workflowName string, lastRun time.Time, lastStatus string, nextRun *time.Time) error {
	_, err := r.db.NewUpdate().Model((*ScheduleModel)(nil)).
		Set("last_run = ?", lastRun).
		Set("last_status = ?", lastStatus).
		Set("next_run = ?", nextRun).
		Set("updated_at = ?", time.Now().UTC()).
		Where("workflow_name = ?", workflowName).
		Exec(ctx)
	return err
}

// Get returns the schedule row for a workflow, or sql.ErrNoRows if none
// exists.
func (r *ScheduleRepo) Get(ctx context.Context, workflowName string) (*ScheduleModel, error) {
	model := new(ScheduleModel)
	if err := r.db.NewSelect().Model(model).Where("workflow_name = ?", workflowName).Scan(ctx); err != nil {
		return nil, err
	}
	return model, nil
}

// List returns every schedule row, for the reconciliation sweep at startup
// and for GET /workflows listing.
func (r *ScheduleRepo) List(ctx context.Context) ([]*ScheduleModel, error) {
	var rows []*ScheduleModel
	if err := r.db.NewSelect().Model(&rows).Order("workflow_name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

// Delete removes the schedule row for a workflow, per spec.md §3 ("deleted
// when the workflow file disappears").
func (r *ScheduleRepo) Delete(ctx context.Context, workflowName string) error {
	_, err := r.db.NewDelete().Model((*ScheduleModel)(nil)).Where("workflow_name = ?", workflowName).Exec(ctx)
	return err
}

var errNotFound = sql.ErrNoRows

// IsNotFound reports whether err is the sentinel returned when a schedule
// row doesn't exist.
func IsNotFound(err error) bool { return err == errNotFound }
