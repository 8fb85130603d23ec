package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of a journaled action or plan run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// Run is one action dispatched to a set of targets.
type Run struct {
	ID          string     `json:"id"`
	PlanID      *string    `json:"plan_id,omitempty"`
	Action      string     `json:"action"`
	Object      string     `json:"object"`
	Status      RunStatus  `json:"status"`
	TargetCount int        `json:"target_count"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TargetResult is the outcome of a run on one target.
type TargetResult struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	Status    string    `json:"status"` // success or failure
	Kind      *string   `json:"kind,omitempty"`
	Message   *string   `json:"message,omitempty"`
	Value     string    `json:"value"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// PlanRun is one execution of a plan.
type PlanRun struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      RunStatus  `json:"status"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store is the run journal persistence interface.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status RunStatus, succeeded, failed int) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, planID *string, limit, offset int) ([]*Run, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Target results
	RecordResult(ctx context.Context, r *TargetResult) error
	ListResults(ctx context.Context, runID string) ([]*TargetResult, error)
	TargetHistory(ctx context.Context, target string, limit int) ([]*TargetResult, error)

	// Plans
	CreatePlanRun(ctx context.Context, plan *PlanRun) error
	CompletePlanRun(ctx context.Context, id string, status RunStatus, errMsg *string) error
	GetPlanRun(ctx context.Context, id string) (*PlanRun, error)

	// Transactions
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Health
	HealthCheck(ctx context.Context) error
}
