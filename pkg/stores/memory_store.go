package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfleet/openfleet/pkg/engine"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// throwaway dry runs where no state should outlive the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*engine.StateRecord
	dead    map[string]*engine.StateRecord
	runs    map[string]*engine.RunResult
	runIDs  []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*engine.StateRecord),
		dead:    make(map[string]*engine.StateRecord),
		runs:    make(map[string]*engine.RunResult),
	}
}

// Init is a no-op for the in-memory store.
func (s *MemoryStore) Init(_ context.Context) error { return nil }

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// HealthCheck is a no-op for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// GetRecord retrieves the deployed state record for an action key.
// Returns nil without error when no record exists.
func (s *MemoryStore) GetRecord(_ context.Context, key string) (*engine.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// PutRecord inserts or replaces a deployed state record. A successful put
// clears any claim and revives a tombstoned key.
func (s *MemoryStore) PutRecord(_ context.Context, record *engine.StateRecord) error {
	if record == nil || record.Key == "" {
		return fmt.Errorf("record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		if prev, ok := s.records[cp.Key]; ok {
			cp.CreatedAt = prev.CreatedAt
		} else {
			cp.CreatedAt = now
		}
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	cp.ClaimRunID = ""
	cp.ClaimExpiresAt = time.Time{}

	delete(s.dead, cp.Key)
	s.records[cp.Key] = &cp
	return nil
}

// ListRecords returns all records that have not been tombstoned.
func (s *MemoryStore) ListRecords(_ context.Context) ([]*engine.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]*engine.StateRecord, 0, len(keys))
	for _, key := range keys {
		cp := *s.records[key]
		records = append(records, &cp)
	}
	return records, nil
}

// TombstoneRecord marks a record as terminated.
func (s *MemoryStore) TombstoneRecord(_ context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("record not found: %s", key), nil).
			WithCode(engine.ErrCodeNotFound).
			WithAction(key)
	}

	rec.LastOperation = engine.OperationTerminate
	rec.ClaimRunID = ""
	rec.ClaimExpiresAt = time.Time{}
	rec.UpdatedAt = time.Now().UTC()

	delete(s.records, key)
	s.dead[key] = rec
	return nil
}

// ClaimRecord atomically claims an action key for a run.
func (s *MemoryStore) ClaimRecord(_ context.Context, key, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	rec, ok := s.records[key]
	if !ok {
		// Claim stub for a key with no record yet.
		s.records[key] = &engine.StateRecord{
			Key:            key,
			ClaimRunID:     runID,
			ClaimExpiresAt: now.Add(ttl),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return nil
	}

	held := rec.ClaimRunID != "" && rec.ClaimRunID != runID && rec.ClaimExpiresAt.After(now)
	if held {
		return engine.NewConflictError(
			fmt.Sprintf("action %s is claimed by another run", key), nil).
			WithCode(engine.ErrCodeConflict).
			WithAction(key)
	}

	rec.ClaimRunID = runID
	rec.ClaimExpiresAt = now.Add(ttl)
	rec.UpdatedAt = now
	return nil
}

// ReleaseClaim releases a claim held by the given run.
func (s *MemoryStore) ReleaseClaim(_ context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.ClaimRunID != runID {
		return nil
	}

	rec.ClaimRunID = ""
	rec.ClaimExpiresAt = time.Time{}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveRun persists a run result.
func (s *MemoryStore) SaveRun(_ context.Context, result *engine.RunResult) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[result.RunID]; ok {
		return fmt.Errorf("run already saved: %s", result.RunID)
	}

	cp := *result
	s.runs[result.RunID] = &cp
	s.runIDs = append(s.runIDs, result.RunID)
	return nil
}

// GetRun retrieves a run result by ID.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*engine.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.runs[id]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("run not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	cp := *result
	return &cp, nil
}

// ListRuns lists run results with pagination, most recent first.
func (s *MemoryStore) ListRuns(_ context.Context, limit, offset int) ([]*engine.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []*engine.RunResult{}
	for i := len(s.runIDs) - 1 - offset; i >= 0 && len(runs) < limit; i-- {
		cp := *s.runs[s.runIDs[i]]
		runs = append(runs, &cp)
	}
	return runs, nil
}
