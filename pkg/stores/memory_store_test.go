package stores

import (
	"context"
	"testing"
	"time"

	"github.com/openfleet/openfleet/pkg/engine"
)

// TestMemoryStoreRecords exercises the record surface of the in-memory store
func TestMemoryStoreRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("launch:networking:111111111111:eu-west-1")
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	retrieved, err := store.GetRecord(ctx, rec.Key)
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if retrieved == nil || retrieved.ParameterHash != rec.ParameterHash {
		t.Fatalf("unexpected record: %+v", retrieved)
	}

	// Mutating the returned copy must not affect the stored record
	retrieved.ParameterHash = "mutated"
	again, _ := store.GetRecord(ctx, rec.Key)
	if again.ParameterHash != rec.ParameterHash {
		t.Error("stored record was mutated through a returned copy")
	}

	missing, err := store.GetRecord(ctx, "launch:missing:000000000000:eu-west-1")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing record, got %+v, %v", missing, err)
	}

	if err := store.TombstoneRecord(ctx, rec.Key, "run-1"); err != nil {
		t.Fatalf("failed to tombstone: %v", err)
	}
	records, _ := store.ListRecords(ctx)
	if len(records) != 0 {
		t.Errorf("expected empty list after tombstone, got %d", len(records))
	}
}

// TestMemoryStoreClaims mirrors the SQLite claim semantics
func TestMemoryStoreClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "launch:networking:111111111111:eu-west-1"

	if err := store.ClaimRecord(ctx, key, "run-a", time.Minute); err != nil {
		t.Fatalf("failed to claim fresh key: %v", err)
	}
	if err := store.ClaimRecord(ctx, key, "run-a", time.Minute); err != nil {
		t.Fatalf("failed to re-claim own key: %v", err)
	}

	if err := store.ClaimRecord(ctx, key, "run-b", time.Minute); !engine.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.ReleaseClaim(ctx, key, "run-a"); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if err := store.ClaimRecord(ctx, key, "run-b", time.Minute); err != nil {
		t.Fatalf("failed to claim after release: %v", err)
	}

	// Expired claims are reclaimable
	if err := store.ClaimRecord(ctx, key, "run-b", -time.Minute); err != nil {
		t.Fatalf("failed to refresh claim: %v", err)
	}
	if err := store.ClaimRecord(ctx, key, "run-c", time.Minute); err != nil {
		t.Fatalf("expected expired claim takeover, got %v", err)
	}
}

// TestMemoryStoreRuns exercises run history
func TestMemoryStoreRuns(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		result := &engine.RunResult{
			RunID:       id,
			Verdict:     engine.VerdictSuccess,
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		}
		if err := store.SaveRun(ctx, result); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	// Duplicate save is rejected
	err := store.SaveRun(ctx, &engine.RunResult{RunID: "run-1"})
	if err == nil {
		t.Error("expected duplicate run save to fail")
	}

	run, err := store.GetRun(ctx, "run-2")
	if err != nil || run.RunID != "run-2" {
		t.Fatalf("unexpected get result: %+v, %v", run, err)
	}

	_, err = store.GetRun(ctx, "run-missing")
	if engine.ErrorCode(err) != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-3" {
		t.Errorf("expected most recent first, got %+v", runs)
	}
}
