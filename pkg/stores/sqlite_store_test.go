package stores

import (
	"context"
	"testing"
	"time"

	"github.com/openfleet/openfleet/pkg/engine"
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

	return store
}

func testRecord(key string) *engine.StateRecord {
	return &engine.StateRecord{
		Key:       key,
		Section:   "networking",
		Kind:      engine.SectionKindLaunch,
		AccountID: "111111111111",
		Region:    "eu-west-1",
		Product: engine.ProductRef{
			Name:      "vpc-baseline",
			Portfolio: "core-infra",
			Version:   "v4",
		},
		ParameterHash: "abc123",
		Outputs:       map[string]string{"VpcId": "vpc-0a1b2c"},
		ProvisionedID: "pp-xyz",
		LastOperation: engine.OperationCreate,
		LastStatus:    engine.ActionStatusSucceeded,
		DependsOn:     []string{"baseline:iam:111111111111:eu-west-1"},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
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

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"records", "runs", "run_actions"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRecordRoundTrip tests record persistence, including JSON columns
func TestRecordRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	rec := testRecord("launch:networking:111111111111:eu-west-1")

	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	retrieved, err := store.GetRecord(ctx, rec.Key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if retrieved == nil {
		t.Fatal("expected record, got nil")
	}

	if retrieved.Key != rec.Key {
		t.Errorf("expected key %s, got %s", rec.Key, retrieved.Key)
	}
	if retrieved.Product != rec.Product {
		t.Errorf("expected product %+v, got %+v", rec.Product, retrieved.Product)
	}
	if retrieved.ParameterHash != rec.ParameterHash {
		t.Errorf("expected hash %s, got %s", rec.ParameterHash, retrieved.ParameterHash)
	}
	if retrieved.Outputs["VpcId"] != "vpc-0a1b2c" {
		t.Errorf("expected VpcId output, got %v", retrieved.Outputs)
	}
	if len(retrieved.DependsOn) != 1 || retrieved.DependsOn[0] != rec.DependsOn[0] {
		t.Errorf("expected depends_on %v, got %v", rec.DependsOn, retrieved.DependsOn)
	}
	if !retrieved.Deployed() {
		t.Error("expected record to report deployed")
	}
	if retrieved.CreatedAt.IsZero() || retrieved.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

// TestGetRecordAbsent verifies a missing record returns nil without error
func TestGetRecordAbsent(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	rec, err := store.GetRecord(context.Background(), "launch:missing:000000000000:eu-west-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

// TestPutRecordUpsert verifies a put replaces the existing row and keeps
// the original creation timestamp
func TestPutRecordUpsert(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	rec := testRecord("launch:networking:111111111111:eu-west-1")

	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	first, err := store.GetRecord(ctx, rec.Key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}

	updated := testRecord(rec.Key)
	updated.ParameterHash = "def456"
	updated.CreatedAt = first.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	if err := store.PutRecord(ctx, updated); err != nil {
		t.Fatalf("failed to update record: %v", err)
	}

	second, err := store.GetRecord(ctx, rec.Key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if second.ParameterHash != "def456" {
		t.Errorf("expected updated hash, got %s", second.ParameterHash)
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record after upsert, got %d", len(records))
	}
}

// TestTombstoneRecord verifies tombstoned records drop out of listings
func TestTombstoneRecord(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	keep := testRecord("launch:networking:111111111111:eu-west-1")
	gone := testRecord("launch:app:111111111111:eu-west-1")

	if err := store.PutRecord(ctx, keep); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}
	if err := store.PutRecord(ctx, gone); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	if err := store.TombstoneRecord(ctx, gone.Key, "run-1"); err != nil {
		t.Fatalf("failed to tombstone record: %v", err)
	}

	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after tombstone, got %d", len(records))
	}
	if records[0].Key != keep.Key {
		t.Errorf("expected %s to survive, got %s", keep.Key, records[0].Key)
	}

	// Tombstoning an unknown key is a NOT_FOUND error
	err = store.TombstoneRecord(ctx, "launch:unknown:000000000000:eu-west-1", "run-1")
	if engine.ErrorCode(err) != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

// TestClaimLifecycle exercises claim, re-claim, conflict, and release
func TestClaimLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	key := "launch:networking:111111111111:eu-west-1"

	// Claiming a key with no record creates a claim stub
	if err := store.ClaimRecord(ctx, key, "run-a", time.Minute); err != nil {
		t.Fatalf("failed to claim fresh key: %v", err)
	}

	// The same run can re-claim its own key
	if err := store.ClaimRecord(ctx, key, "run-a", time.Minute); err != nil {
		t.Fatalf("failed to re-claim own key: %v", err)
	}

	// A different run hits a conflict while the claim is live
	err := store.ClaimRecord(ctx, key, "run-b", time.Minute)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if engine.ErrorCode(err) != engine.ErrCodeConflict {
		t.Errorf("expected CONFLICT code, got %s", engine.ErrorCode(err))
	}

	// After release, the other run can claim
	if err := store.ReleaseClaim(ctx, key, "run-a"); err != nil {
		t.Fatalf("failed to release claim: %v", err)
	}
	if err := store.ClaimRecord(ctx, key, "run-b", time.Minute); err != nil {
		t.Fatalf("failed to claim after release: %v", err)
	}
}

// TestClaimExpiry verifies an expired claim can be taken over
func TestClaimExpiry(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	key := "launch:networking:111111111111:eu-west-1"

	// Claim with a TTL already in the past
	if err := store.ClaimRecord(ctx, key, "run-dead", -time.Minute); err != nil {
		t.Fatalf("failed to claim key: %v", err)
	}

	if err := store.ClaimRecord(ctx, key, "run-b", time.Minute); err != nil {
		t.Fatalf("expected expired claim to be reclaimable, got %v", err)
	}

	rec, err := store.GetRecord(ctx, key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if rec.ClaimRunID != "run-b" {
		t.Errorf("expected claim held by run-b, got %q", rec.ClaimRunID)
	}
}

// TestPutRecordClearsClaim verifies a successful put releases the claim
func TestPutRecordClearsClaim(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	rec := testRecord("launch:networking:111111111111:eu-west-1")

	if err := store.ClaimRecord(ctx, rec.Key, "run-a", time.Minute); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	stored, err := store.GetRecord(ctx, rec.Key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if stored.ClaimRunID != "" {
		t.Errorf("expected cleared claim, got %q", stored.ClaimRunID)
	}

	// Another run can now claim immediately
	if err := store.ClaimRecord(ctx, rec.Key, "run-b", time.Minute); err != nil {
		t.Errorf("expected claim after put, got %v", err)
	}
}

// TestSaveRunRoundTrip tests run persistence with per-action outcomes
func TestSaveRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	started := time.Now().Add(-2 * time.Minute).UTC().Truncate(time.Second)
	completed := time.Now().UTC().Truncate(time.Second)

	result := &engine.RunResult{
		RunID:        "run-001",
		ManifestName: "production",
		ManifestHash: "sha256-aaaa",
		Verdict:      engine.VerdictPartialFailure,
		StartedAt:    started,
		CompletedAt:  completed,
		Duration:     2 * time.Minute,
		Summary: engine.RunSummary{
			Total:     2,
			Succeeded: 1,
			Failed:    1,
			Changed:   1,
		},
		Actions: []*engine.ActionResult{
			{
				Key:         "launch:networking:111111111111:eu-west-1",
				Section:     "networking",
				AccountID:   "111111111111",
				Region:      "eu-west-1",
				Operation:   engine.OperationCreate,
				Status:      engine.ActionStatusSucceeded,
				Effect:      engine.EffectChange,
				Attempts:    1,
				Outputs:     map[string]string{"VpcId": "vpc-0a1b2c"},
				StartedAt:   started,
				CompletedAt: completed,
				Duration:    90 * time.Second,
			},
			{
				Key:       "launch:app:111111111111:eu-west-1",
				Section:   "app",
				AccountID: "111111111111",
				Region:    "eu-west-1",
				Operation: engine.OperationUpdate,
				Status:    engine.ActionStatusFailed,
				Attempts:  4,
				Error: engine.NewPermanentError("provisioning failed", nil).
					WithCode(engine.ErrCodeExecutionFailed).
					WithAction("launch:app:111111111111:eu-west-1"),
			},
		},
	}

	if err := store.SaveRun(ctx, result); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.Verdict != engine.VerdictPartialFailure {
		t.Errorf("expected verdict %s, got %s", engine.VerdictPartialFailure, retrieved.Verdict)
	}
	if retrieved.Summary.Total != 2 || retrieved.Summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", retrieved.Summary)
	}
	if len(retrieved.Actions) != 2 {
		t.Fatalf("expected 2 action results, got %d", len(retrieved.Actions))
	}

	// Dispatch order is preserved
	if retrieved.Actions[0].Key != result.Actions[0].Key {
		t.Errorf("expected first action %s, got %s", result.Actions[0].Key, retrieved.Actions[0].Key)
	}
	if retrieved.Actions[0].Outputs["VpcId"] != "vpc-0a1b2c" {
		t.Errorf("expected outputs to round-trip, got %v", retrieved.Actions[0].Outputs)
	}

	failed := retrieved.ActionResultByKey("launch:app:111111111111:eu-west-1")
	if failed == nil || failed.Error == nil {
		t.Fatal("expected failed action with error")
	}
	if failed.Error.Code != engine.ErrCodeExecutionFailed {
		t.Errorf("expected error code %s, got %s", engine.ErrCodeExecutionFailed, failed.Error.Code)
	}
	if failed.Error.Class != engine.ErrorClassPermanent {
		t.Errorf("expected permanent class, got %s", failed.Error.Class)
	}
}

// TestGetRunNotFound verifies an unknown run ID is a NOT_FOUND error
func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetRun(context.Background(), "run-missing")
	if engine.ErrorCode(err) != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

// TestListRuns tests run listing order and pagination
func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		result := &engine.RunResult{
			RunID:       "run-00" + string(rune('1'+i)),
			Verdict:     engine.VerdictSuccess,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Duration:    30 * time.Second,
		}
		if err := store.SaveRun(ctx, result); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-003" {
		t.Errorf("expected most recent run first, got %s", runs[0].RunID)
	}

	rest, err := store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(rest) != 1 || rest[0].RunID != "run-001" {
		t.Errorf("expected run-001 on second page, got %+v", rest)
	}
}
