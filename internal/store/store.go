// Package store implements the execution store (spec.md §4.7): executions,
// per-node logs, and schedule metadata, in three tables with a cascade
// delete from executions to node_executions. Grounded on the teacher's
// internal/infrastructure/storage.BunStore (bun over a pgdriver
// connection), generalized from the teacher's workflow/node/edge/trigger
// model tables to spec.md's execution/node_execution/schedule tables, and
// kept transactional the way the teacher's SaveWorkflow is: the execution
// mutations and ScheduleRepo.Upsert run inside db.RunInTx, committing on
// return and rolling back on error. ScheduleRepo's SetEnabled,
// RecordFiring and Delete are single statements run without RunInTx.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/flowpilot/internal/domain"
)

// Store owns the bun connection and exposes the three repositories spec.md
// §4.7 names. A single Postgres DSN backs all three tables; spec.md's
// on-disk layout calls for "an embedded relational database file" for this
// data, but flowpilot keeps the teacher's actual wired engine
// (bun+pgdialect+pgdriver) rather than dropping it for sqlite — see
// DESIGN.md's store entry for the full resolution.
type Store struct {
	db *bun.DB

	Executions *ExecutionRepo
	Schedules  *ScheduleRepo
}

// Open connects to dsn and wires the repositories. It does not create
// tables; call InitSchema once at process start.
func Open(dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	s := &Store{db: db}
	s.Executions = &ExecutionRepo{db: db}
	s.Schedules = &ScheduleRepo{db: db}
	return s
}

// InitSchema creates the executions/node_executions/schedules tables if
// they don't already exist, mirroring the teacher's InitSchema loop over
// its model list.
func (s *Store) InitSchema(ctx context.Context) error {
	models := []any{
		(*ExecutionModel)(nil),
		(*NodeExecutionModel)(nil),
		(*ScheduleModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *bun.DB for callers that need a raw query the repositories don't expose.
func (s *Store) DB() *bun.DB { return s.db }

// ExecutionModel is the executions table row, bun-tagged per the teacher's
// WorkflowModel shape.
type ExecutionModel struct {
	bun.BaseModel `bun:"table:executions,alias:e"`

	ID           string     `bun:"id,pk"`
	WorkflowName string     `bun:"workflow_name,notnull"`
	WorkflowPath string     `bun:"workflow_path"`
	Status       string     `bun:"status,notnull"`
	TriggerType  string     `bun:"trigger_type"`
	Inputs       string     `bun:"inputs,type:jsonb"`
	StartedAt    time.Time  `bun:"started_at,notnull"`
	FinishedAt   *time.Time `bun:"finished_at"`
	DurationMs   *int64     `bun:"duration_ms"`
	Error        string     `bun:"error"`
}

// NodeExecutionModel is the node_executions table row, cascade-deleted with
// its parent execution (enforced at the application layer by
// ExecutionRepo.Delete, since bun migrations here don't declare FK
// constraints — the teacher's own InitSchema doesn't either).
type NodeExecutionModel struct {
	bun.BaseModel `bun:"table:node_executions,alias:ne"`

	ID          string     `bun:"id,pk"`
	ExecutionID string     `bun:"execution_id,notnull"`
	NodeID      string     `bun:"node_id,notnull"`
	NodeType    string     `bun:"node_type,notnull"`
	Status      string     `bun:"status,notnull"`
	StartedAt   *time.Time `bun:"started_at"`
	FinishedAt  *time.Time `bun:"finished_at"`
	DurationMs  *int64     `bun:"duration_ms"`
	Stdout      string     `bun:"stdout"`
	Stderr      string     `bun:"stderr"`
	Output      string     `bun:"output,type:jsonb"`
	Error       string     `bun:"error"`
}

// ScheduleModel is the schedules table row, unique by workflow_name.
type ScheduleModel struct {
	bun.BaseModel `bun:"table:schedules,alias:s"`

	WorkflowName  string     `bun:"workflow_name,pk"`
	WorkflowPath  string     `bun:"workflow_path,notnull"`
	Enabled       bool       `bun:"enabled,notnull"`
	TriggerConfig string     `bun:"trigger_config,type:jsonb"`
	NextRun       *time.Time `bun:"next_run"`
	LastRun       *time.Time `bun:"last_run"`
	LastStatus    string     `bun:"last_status"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

// statusString normalizes a domain.Status for storage.
func statusString(s domain.Status) string { return string(s) }
