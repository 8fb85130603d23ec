package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/skein/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateRun demonstrates journaling a run and its results.
func ExampleSQLiteStore_CreateRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	run := &stores.Run{
		ID:          "run-123",
		Action:      "command",
		Object:      "systemctl restart nginx",
		Status:      stores.RunStatusRunning,
		TargetCount: 1,
		StartedAt:   time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	_ = store.RecordResult(ctx, &stores.TargetResult{
		RunID:  run.ID,
		Target: "web1",
		Status: "success",
		Value:  `{"exit_code":0}`,
	})
	_ = store.CompleteRun(ctx, run.ID, stores.RunStatusSuccess, 1, 0)

	got, _ := store.GetRun(ctx, run.ID)
	fmt.Printf("%s: %s (%d ok, %d failed)\n", got.Object, got.Status, got.Succeeded, got.Failed)
	// Output: systemctl restart nginx: success (1 ok, 0 failed)
}
