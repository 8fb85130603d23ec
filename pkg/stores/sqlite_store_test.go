package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestUninitializedStore(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("expected migrate to fail before Init")
	}
	if err := store.Close(); err != nil {
		t.Errorf("closing an uninitialized store: %v", err)
	}
}

func TestRunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &Run{
		ID:          "run-1",
		Action:      "command",
		Object:      "uptime",
		Status:      RunStatusRunning,
		TargetCount: 3,
		StartedAt:   started,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Action != "command" || got.Object != "uptime" || got.TargetCount != 3 {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, got.StartedAt)
	}
	if got.PlanID != nil || got.CompletedAt != nil {
		t.Errorf("expected no plan and no completion, got %+v", got)
	}

	if err := store.CompleteRun(ctx, "run-1", RunStatusFailure, 2, 1); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailure || got.Succeeded != 2 || got.Failed != 1 {
		t.Errorf("unexpected completed run: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	if _, err := store.GetRun(ctx, "missing"); err == nil {
		t.Error("expected error for unknown run")
	}
	if err := store.CompleteRun(ctx, "missing", RunStatusSuccess, 0, 0); err == nil {
		t.Error("expected error completing unknown run")
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*Run{
		{ID: "a", Action: "command", Status: RunStatusSuccess, StartedAt: base},
		{ID: "b", Action: "task", Status: RunStatusSuccess, StartedAt: base.Add(time.Hour), PlanID: strPtr("plan-1")},
		{ID: "c", Action: "upload", Status: RunStatusRunning, StartedAt: base.Add(2 * time.Hour), PlanID: strPtr("plan-1")},
	}
	for _, run := range runs {
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %s: %v", run.ID, err)
		}
	}

	all, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	planRuns, err := store.ListRuns(ctx, strPtr("plan-1"), 10, 0)
	if err != nil {
		t.Fatalf("failed to list plan runs: %v", err)
	}
	if len(planRuns) != 2 {
		t.Fatalf("expected 2 runs for plan-1, got %d", len(planRuns))
	}
	for _, run := range planRuns {
		if run.PlanID == nil || *run.PlanID != "plan-1" {
			t.Errorf("run %s has plan id %v", run.ID, run.PlanID)
		}
	}

	page, err := store.ListRuns(ctx, nil, 1, 1)
	if err != nil {
		t.Fatalf("failed to page runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("expected page with run b, got %+v", page)
	}
}

func TestTargetResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "run-1", Action: "command", Status: RunStatusRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	ok := &TargetResult{RunID: "run-1", Target: "web1", Status: "success", Value: `{"stdout":"up"}`}
	if err := store.RecordResult(ctx, ok); err != nil {
		t.Fatalf("failed to record result: %v", err)
	}
	if ok.ID == 0 {
		t.Error("expected result id to be set")
	}

	failed := &TargetResult{
		RunID:   "run-1",
		Target:  "web2",
		Status:  "failure",
		Kind:    strPtr("connect-error"),
		Message: strPtr("connection refused"),
	}
	if err := store.RecordResult(ctx, failed); err != nil {
		t.Fatalf("failed to record result: %v", err)
	}

	results, err := store.ListResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Target != "web1" || results[0].Value != `{"stdout":"up"}` {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].Value != "{}" {
		t.Errorf("expected empty value to default to {}, got %q", results[1].Value)
	}
	if results[1].Kind == nil || *results[1].Kind != "connect-error" {
		t.Errorf("expected kind connect-error, got %v", results[1].Kind)
	}

	// A repeated result for the same target replaces the first.
	retry := &TargetResult{RunID: "run-1", Target: "web2", Status: "success", Value: `{}`}
	if err := store.RecordResult(ctx, retry); err != nil {
		t.Fatalf("failed to replace result: %v", err)
	}
	results, err = store.ListResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results after replace, got %d", len(results))
	}
	if results[1].Status != "success" || results[1].Kind != nil {
		t.Errorf("expected replaced result, got %+v", results[1])
	}

	orphan := &TargetResult{RunID: "nope", Target: "web1", Status: "success"}
	if err := store.RecordResult(ctx, orphan); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestTargetHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := store.CreateRun(ctx, &Run{ID: id, Action: "command", Status: RunStatusSuccess, StartedAt: time.Now()}); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		if err := store.RecordResult(ctx, &TargetResult{RunID: id, Target: "db1", Status: "success"}); err != nil {
			t.Fatalf("failed to record result: %v", err)
		}
	}
	if err := store.RecordResult(ctx, &TargetResult{RunID: "r1", Target: "web1", Status: "success"}); err != nil {
		t.Fatalf("failed to record result: %v", err)
	}

	history, err := store.TargetHistory(ctx, "db1", 2)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].RunID != "r3" || history[1].RunID != "r2" {
		t.Errorf("expected newest first, got %s, %s", history[0].RunID, history[1].RunID)
	}
}

func TestDeleteRunsBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := &Run{ID: "old", Action: "command", Status: RunStatusSuccess, StartedAt: base}
	recent := &Run{ID: "recent", Action: "command", Status: RunStatusSuccess, StartedAt: base.Add(48 * time.Hour)}
	for _, run := range []*Run{old, recent} {
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		if err := store.RecordResult(ctx, &TargetResult{RunID: run.ID, Target: "web1", Status: "success"}); err != nil {
			t.Fatalf("failed to record result: %v", err)
		}
	}

	deleted, err := store.DeleteRunsBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("failed to delete runs: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted run, got %d", deleted)
	}

	if _, err := store.GetRun(ctx, "old"); err == nil {
		t.Error("old run should be gone")
	}
	results, err := store.ListResults(ctx, "old")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected cascaded delete of results, got %d", len(results))
	}
	if _, err := store.GetRun(ctx, "recent"); err != nil {
		t.Errorf("recent run should survive: %v", err)
	}
}

func TestPlanRunOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	plan := &PlanRun{ID: "plan-1", Name: "deploy", Status: RunStatusRunning, StartedAt: time.Now()}
	if err := store.CreatePlanRun(ctx, plan); err != nil {
		t.Fatalf("failed to create plan run: %v", err)
	}

	if err := store.CompletePlanRun(ctx, "plan-1", RunStatusFailure, strPtr("web1 unreachable")); err != nil {
		t.Fatalf("failed to complete plan run: %v", err)
	}

	got, err := store.GetPlanRun(ctx, "plan-1")
	if err != nil {
		t.Fatalf("failed to get plan run: %v", err)
	}
	if got.Name != "deploy" || got.Status != RunStatusFailure {
		t.Errorf("unexpected plan run: %+v", got)
	}
	if got.Error == nil || *got.Error != "web1 unreachable" {
		t.Errorf("unexpected error message: %v", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	if _, err := store.GetPlanRun(ctx, "missing"); err == nil {
		t.Error("expected error for unknown plan run")
	}
	if err := store.CompletePlanRun(ctx, "missing", RunStatusSuccess, nil); err == nil {
		t.Error("expected error completing unknown plan run")
	}
}

func TestBeginTx(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, action, status, started_at) VALUES (?, ?, ?, ?)`,
		"tx-run", "command", RunStatusRunning, time.Now().UTC(),
	); err != nil {
		t.Fatalf("failed to insert in transaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	if _, err := store.GetRun(ctx, "tx-run"); err == nil {
		t.Error("rolled back run should not exist")
	}
}
