package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfleet/openfleet/pkg/manifest"
)

// memStore is a mutex-guarded in-memory StateStore for tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord
	dead    map[string]*StateRecord
	runs    []*RunResult

	// claimDenied simulates a live claim held by another run on these keys.
	claimDenied map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		records:     make(map[string]*StateRecord),
		dead:        make(map[string]*StateRecord),
		claimDenied: make(map[string]bool),
	}
}

func (s *memStore) GetRecord(_ context.Context, key string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) PutRecord(_ context.Context, record *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	cp.ClaimRunID = ""
	cp.ClaimExpiresAt = time.Time{}
	s.records[record.Key] = &cp
	delete(s.dead, record.Key)
	return nil
}

func (s *memStore) ListRecords(_ context.Context) ([]*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StateRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) TombstoneRecord(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return NewPermanentError("no record for key "+key, nil).WithCode(ErrCodeNotFound)
	}
	delete(s.records, key)
	s.dead[key] = rec
	return nil
}

func (s *memStore) ClaimRecord(_ context.Context, key, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimDenied[key] {
		return NewConflictError("action key is claimed by another run", nil).
			WithCode(ErrCodeConflict).WithAction(key)
	}
	rec, ok := s.records[key]
	if !ok {
		rec = &StateRecord{Key: key, CreatedAt: time.Now()}
		s.records[key] = rec
	}
	if rec.ClaimRunID != "" && rec.ClaimRunID != runID && rec.ClaimExpiresAt.After(time.Now()) {
		return NewConflictError("action key is claimed by another run", nil).
			WithCode(ErrCodeConflict).WithAction(key)
	}
	rec.ClaimRunID = runID
	rec.ClaimExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *memStore) ReleaseClaim(_ context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.ClaimRunID == runID {
		rec.ClaimRunID = ""
		rec.ClaimExpiresAt = time.Time{}
	}
	return nil
}

func (s *memStore) SaveRun(_ context.Context, result *RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, result)
	return nil
}

func (s *memStore) record(key string) *StateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key]
}

func (s *memStore) tombstoned(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dead[key]
	return ok
}

func (s *memStore) savedRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// seed installs a deployed record for an action key.
func (s *memStore) seed(key string, rec *StateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Key = key
	if rec.LastStatus == "" {
		rec.LastStatus = ActionStatusSucceeded
	}
	if rec.LastOperation == "" {
		rec.LastOperation = OperationCreate
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records[key] = rec
}

// fakeRemote is a scripted RemoteProvisioningAPI. Default behavior
// provisions successfully and reports every product as deployed in sync.
type fakeRemote struct {
	mu sync.Mutex

	// calls logs remote operations as "<op> <name>" in invocation order.
	calls []string

	// outputs are returned by every successful poll.
	outputs map[string]string

	// provisionErr fails Provision/Update calls when set.
	provisionErr error

	// terminateErr fails Terminate calls when set.
	terminateErr error

	// pollStatus overrides the terminal poll status when set.
	pollStatus *RecordStatus

	// describeState overrides the Describe response when set.
	describeState *RemoteState

	seq int
}

func (r *fakeRemote) log(op, name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+" "+name)
	r.seq++
	return fmt.Sprintf("rec-%d", r.seq)
}

func (r *fakeRemote) Provision(_ context.Context, req *ProvisionRequest) (*ProvisionHandle, error) {
	id := r.log("provision", req.Name)
	if r.provisionErr != nil {
		return nil, r.provisionErr
	}
	return &ProvisionHandle{RecordID: id, ProvisionedID: "pp-" + req.Name}, nil
}

func (r *fakeRemote) Update(_ context.Context, req *ProvisionRequest) (*ProvisionHandle, error) {
	id := r.log("update", req.Name)
	if r.provisionErr != nil {
		return nil, r.provisionErr
	}
	return &ProvisionHandle{RecordID: id, ProvisionedID: req.ProvisionedID}, nil
}

func (r *fakeRemote) Terminate(_ context.Context, req *TerminateRequest) (*ProvisionHandle, error) {
	id := r.log("terminate", req.Name)
	if r.terminateErr != nil {
		return nil, r.terminateErr
	}
	return &ProvisionHandle{RecordID: id, ProvisionedID: req.ProvisionedID}, nil
}

func (r *fakeRemote) PollRecord(_ context.Context, handle *ProvisionHandle) (*RecordStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollStatus != nil {
		return r.pollStatus, nil
	}
	return &RecordStatus{
		Status:        RemoteStatusSucceeded,
		ProvisionedID: handle.ProvisionedID,
		Outputs:       r.outputs,
	}, nil
}

func (r *fakeRemote) Describe(_ context.Context, name string) (*RemoteState, error) {
	r.log("describe", name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.describeState != nil {
		return r.describeState, nil
	}
	return &RemoteState{Found: true, Status: RemoteStatusSucceeded, ProvisionedID: "pp-" + name}, nil
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// mutationCalls counts remote calls that would change state.
func (r *fakeRemote) mutationCalls() int {
	n := 0
	for _, c := range r.callLog() {
		if !strings.HasPrefix(c, "describe ") {
			n++
		}
	}
	return n
}

// fakeBroker hands out sessions over one shared remote.
type fakeBroker struct {
	remote RemoteProvisioningAPI

	// err fails session acquisition when set.
	err error
}

func (b *fakeBroker) AssumeSession(_ context.Context, _ manifest.Target) (Session, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &fakeSession{remote: b.remote}, nil
}

type fakeSession struct {
	remote RemoteProvisioningAPI
}

func (s *fakeSession) Remote() RemoteProvisioningAPI { return s.remote }
func (s *fakeSession) Release()                      {}

// staticLookups resolves lookups from a fixed map.
type staticLookups struct {
	values map[string]string
	err    error
}

func (l *staticLookups) Lookup(_ context.Context, ref manifest.LookupRef) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	if v, ok := l.values[ref.Path]; ok {
		return v, nil
	}
	return "", NewPermanentError("no parameter at "+ref.Path, nil).WithCode(ErrCodeLookupFailed)
}

// memPublisher records published outputs.
type memPublisher struct {
	mu        sync.Mutex
	published map[string]string
}

func newMemPublisher() *memPublisher {
	return &memPublisher{published: make(map[string]string)}
}

func (p *memPublisher) Publish(_ context.Context, path, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[path] = value
	return nil
}

func (p *memPublisher) get(path string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[path]
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) byType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func mustParse(t *testing.T, doc string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return m
}

func mustBuild(t *testing.T, m *manifest.Manifest) *Graph {
	t.Helper()
	graph, err := NewGraphBuilder().Build(m)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return graph
}

// orderIndex maps action keys to their position in the dispatch order.
func orderIndex(order []string) map[string]int {
	idx := make(map[string]int, len(order))
	for i, key := range order {
		idx[key] = i
	}
	return idx
}

func strPtr(s string) *string { return &s }
