package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfleet/openfleet/pkg/engine"
	"github.com/openfleet/openfleet/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_PutRecord demonstrates persisting a deployed state record.
func ExampleSQLiteStore_PutRecord() {
	store, err := stores.OpenSQLiteStore(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	record := &engine.StateRecord{
		Key:       "launch:networking:111111111111:eu-west-1",
		Section:   "networking",
		Kind:      engine.SectionKindLaunch,
		AccountID: "111111111111",
		Region:    "eu-west-1",
		Product: engine.ProductRef{
			Name:      "vpc-baseline",
			Portfolio: "core-infra",
			Version:   "v4",
		},
		ParameterHash: "2af6...",
		Outputs:       map[string]string{"VpcId": "vpc-0a1b2c"},
		ProvisionedID: "pp-xyz",
		LastOperation: engine.OperationCreate,
		LastStatus:    engine.ActionStatusSucceeded,
	}

	if err := store.PutRecord(ctx, record); err != nil {
		log.Fatal(err)
	}

	stored, err := store.GetRecord(ctx, record.Key)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Deployed: %v, VpcId: %s\n", stored.Deployed(), stored.Outputs["VpcId"])
	// Output: Deployed: true, VpcId: vpc-0a1b2c
}

// ExampleSQLiteStore_ClaimRecord demonstrates run-level claim fencing.
func ExampleSQLiteStore_ClaimRecord() {
	store, err := stores.OpenSQLiteStore(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	key := "launch:networking:111111111111:eu-west-1"

	// First run takes the claim
	if err := store.ClaimRecord(ctx, key, "run-a", 30*time.Minute); err != nil {
		log.Fatal(err)
	}

	// A concurrent run is fenced out
	err = store.ClaimRecord(ctx, key, "run-b", 30*time.Minute)
	fmt.Println("conflict:", engine.IsConflict(err))

	// The claim is released when the action finishes
	if err := store.ReleaseClaim(ctx, key, "run-a"); err != nil {
		log.Fatal(err)
	}

	// Output: conflict: true
}

// ExampleSQLiteStore_SaveRun demonstrates saving and reading run history.
func ExampleSQLiteStore_SaveRun() {
	store, err := stores.OpenSQLiteStore(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	result := &engine.RunResult{
		RunID:        "run-001",
		ManifestName: "production",
		Verdict:      engine.VerdictSuccess,
		StartedAt:    time.Now().Add(-time.Minute),
		CompletedAt:  time.Now(),
		Duration:     time.Minute,
		Summary:      engine.RunSummary{Total: 1, Succeeded: 1, Changed: 1},
		Actions: []*engine.ActionResult{
			{
				Key:       "launch:networking:111111111111:eu-west-1",
				Section:   "networking",
				AccountID: "111111111111",
				Region:    "eu-west-1",
				Operation: engine.OperationCreate,
				Status:    engine.ActionStatusSucceeded,
				Effect:    engine.EffectChange,
				Attempts:  1,
			},
		},
	}

	if err := store.SaveRun(ctx, result); err != nil {
		log.Fatal(err)
	}

	saved, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s: %d/%d succeeded\n", saved.Verdict, saved.Summary.Succeeded, saved.Summary.Total)
	// Output: success: 1/1 succeeded
}

// ExampleNewMemoryStore demonstrates the in-memory backend used in tests.
func ExampleNewMemoryStore() {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	record := &engine.StateRecord{
		Key:           "baseline:iam:111111111111:eu-west-1",
		LastOperation: engine.OperationCreate,
		LastStatus:    engine.ActionStatusSucceeded,
	}
	if err := store.PutRecord(ctx, record); err != nil {
		log.Fatal(err)
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("records:", len(records))
	// Output: records: 1
}
