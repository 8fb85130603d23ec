package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database and applies connection PRAGMAs. The journal has a
// single writer, so the pool holds one connection; this also keeps an
// in-memory database alive for the store's lifetime.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if s.path != ":memory:" {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, plan_id, action, object, status, target_count, succeeded, failed, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		run.Action,
		run.Object,
		run.Status,
		run.TargetCount,
		run.Succeeded,
		run.Failed,
		run.StartedAt.UTC(),
		utc(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// CompleteRun records the final status and counts of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, succeeded, failed int) error {
	query := `
		UPDATE runs
		SET status = ?, succeeded = ?, failed = ?, completed_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, status, succeeded, failed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return expectRow(res, "run", id)
}

const runColumns = `id, plan_id, action, object, status, target_count, succeeded, failed, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.Action,
		&run.Object,
		&run.Status,
		&run.TargetCount,
		&run.Succeeded,
		&run.Failed,
		&run.StartedAt,
		&run.CompletedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first, optionally only those of one plan run.
func (s *SQLiteStore) ListRuns(ctx context.Context, planID *string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if planID != nil {
		query += ` AND plan_id = ?`
		args = append(args, *planID)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRunsBefore deletes runs started before the given time, along with
// their target results.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// RecordResult stores the outcome of a run on one target. A second result
// for the same run and target replaces the first.
func (s *SQLiteStore) RecordResult(ctx context.Context, r *TargetResult) error {
	query := `
		INSERT INTO target_results (run_id, target, status, kind, message, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, target) DO UPDATE SET
			status = excluded.status,
			kind = excluded.kind,
			message = excluded.message,
			value = excluded.value
	`

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	value := r.Value
	if value == "" {
		value = "{}"
	}

	res, err := s.db.ExecContext(ctx, query,
		r.RunID,
		r.Target,
		r.Status,
		r.Kind,
		r.Message,
		value,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

const resultColumns = `id, run_id, target, status, kind, message, value, created_at`

func scanResults(rows *sql.Rows) ([]*TargetResult, error) {
	defer rows.Close()

	results := []*TargetResult{}
	for rows.Next() {
		r := &TargetResult{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Target,
			&r.Status,
			&r.Kind,
			&r.Message,
			&r.Value,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// ListResults returns every target result of a run in recording order.
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*TargetResult, error) {
	query := `SELECT ` + resultColumns + ` FROM target_results WHERE run_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return scanResults(rows)
}

// TargetHistory returns the most recent results for a target, newest first.
func (s *SQLiteStore) TargetHistory(ctx context.Context, target string, limit int) ([]*TargetResult, error) {
	query := `SELECT ` + resultColumns + ` FROM target_results WHERE target = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, target, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query target history: %w", err)
	}
	return scanResults(rows)
}

// CreatePlanRun creates a plan run record.
func (s *SQLiteStore) CreatePlanRun(ctx context.Context, plan *PlanRun) error {
	query := `
		INSERT INTO plan_runs (id, name, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		plan.ID,
		plan.Name,
		plan.Status,
		plan.Error,
		plan.StartedAt.UTC(),
		utc(plan.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create plan run: %w", err)
	}
	return nil
}

// CompletePlanRun records how a plan run ended.
func (s *SQLiteStore) CompletePlanRun(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE plan_runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete plan run: %w", err)
	}
	return expectRow(res, "plan run", id)
}

// GetPlanRun retrieves a plan run by ID.
func (s *SQLiteStore) GetPlanRun(ctx context.Context, id string) (*PlanRun, error) {
	query := `SELECT id, name, status, error, started_at, completed_at FROM plan_runs WHERE id = ?`

	plan := &PlanRun{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&plan.ID,
		&plan.Name,
		&plan.Status,
		&plan.Error,
		&plan.StartedAt,
		&plan.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan run: %w", err)
	}
	return plan, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(res sql.Result, what, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %s", what, id)
	}
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
