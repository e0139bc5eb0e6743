package engine

import (
	"context"
	"time"

	"github.com/openfleet/openfleet/pkg/manifest"
)

// SessionBroker issues scoped credential sessions for target accounts.
// Every remote call an action makes goes through a session acquired from
// the broker and released when the action finishes, on all paths.
type SessionBroker interface {
	// AssumeSession acquires a session bound to the target account and region.
	AssumeSession(ctx context.Context, target manifest.Target) (Session, error)
}

// Session is a scoped credential context for one target.
type Session interface {
	// Remote returns the provisioning API bound to this session's credentials.
	Remote() RemoteProvisioningAPI

	// Release returns the session to the broker.
	Release()
}

// RemoteProvisioningAPI abstracts the provisioning control plane in a
// target account. Provision, Update, and Terminate start asynchronous
// operations; PollRecord tracks them to a terminal state.
type RemoteProvisioningAPI interface {
	// Provision starts provisioning a new product instance.
	Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionHandle, error)

	// Update starts updating an existing product instance.
	Update(ctx context.Context, req *ProvisionRequest) (*ProvisionHandle, error)

	// Terminate starts tearing down a product instance.
	Terminate(ctx context.Context, req *TerminateRequest) (*ProvisionHandle, error)

	// PollRecord returns the current status of an in-flight operation.
	PollRecord(ctx context.Context, handle *ProvisionHandle) (*RecordStatus, error)

	// Describe returns the live state of a provisioned product by name.
	Describe(ctx context.Context, name string) (*RemoteState, error)
}

// ProvisionRequest describes a provision or update call.
type ProvisionRequest struct {
	// Name is the provisioned product name, derived from the action key.
	Name string `json:"name"`

	// ProvisionedID is the existing product identifier. Set for updates.
	ProvisionedID string `json:"provisioned_id,omitempty"`

	// Product identifies the product and version to provision.
	Product ProductRef `json:"product"`

	// Parameters are the fully resolved provisioning parameters.
	Parameters map[string]string `json:"parameters,omitempty"`

	// IdempotencyToken guards against duplicate submission of the same operation.
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// TerminateRequest describes a terminate call.
type TerminateRequest struct {
	// Name is the provisioned product name.
	Name string `json:"name"`

	// ProvisionedID is the product identifier to terminate.
	ProvisionedID string `json:"provisioned_id,omitempty"`

	// IdempotencyToken guards against duplicate submission.
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// ProvisionHandle references an in-flight remote operation.
type ProvisionHandle struct {
	// RecordID is the remote operation record to poll.
	RecordID string `json:"record_id"`

	// ProvisionedID is the product identifier, when already known.
	ProvisionedID string `json:"provisioned_id,omitempty"`
}

// RecordStatus is the polled status of an in-flight remote operation.
type RecordStatus struct {
	// Status is the remote operation status.
	Status RemoteStatus `json:"status"`

	// ProvisionedID is the product identifier.
	ProvisionedID string `json:"provisioned_id,omitempty"`

	// Outputs are the provisioning outputs, present once the operation succeeded.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Detail carries remote error detail when the operation failed.
	Detail string `json:"detail,omitempty"`
}

// RemoteState is the live state of a provisioned product.
type RemoteState struct {
	// Found is false when no product with the given name exists.
	Found bool `json:"found"`

	// Status is the product's remote status.
	Status RemoteStatus `json:"status,omitempty"`

	// ProvisionedID is the product identifier.
	ProvisionedID string `json:"provisioned_id,omitempty"`

	// Detail carries remote status detail.
	Detail string `json:"detail,omitempty"`
}

// LookupResolver resolves external parameter lookups.
type LookupResolver interface {
	// Lookup returns the value at the referenced path.
	Lookup(ctx context.Context, ref manifest.LookupRef) (string, error)
}

// OutputPublisher publishes action outputs for consumers outside the run.
type OutputPublisher interface {
	// Publish writes one output value to the given parameter path.
	Publish(ctx context.Context, path, value string) error
}

// StateStore persists deployed state records and run results.
type StateStore interface {
	// GetRecord returns the record for an action key, or nil when absent.
	GetRecord(ctx context.Context, key string) (*StateRecord, error)

	// PutRecord inserts or replaces a record. A successful put clears any
	// claim held by the writing run.
	PutRecord(ctx context.Context, record *StateRecord) error

	// ListRecords returns all records that have not been tombstoned.
	ListRecords(ctx context.Context) ([]*StateRecord, error)

	// TombstoneRecord marks a record as terminated. Tombstoned records are
	// excluded from ListRecords but kept for audit.
	TombstoneRecord(ctx context.Context, key, runID string) error

	// ClaimRecord atomically claims an action key for the given run.
	// An expired claim is reclaimable; a live claim held by another run
	// fails with a conflict error. A claim stub row is created when no
	// record exists yet.
	ClaimRecord(ctx context.Context, key, runID string, ttl time.Duration) error

	// ReleaseClaim releases a claim held by the given run.
	ReleaseClaim(ctx context.Context, key, runID string) error

	// SaveRun persists a run result and its per-action outcomes.
	SaveRun(ctx context.Context, result *RunResult) error
}

// EventSink receives run timeline events. Implementations must not block.
type EventSink interface {
	// Publish delivers one event.
	Publish(event Event)
}

// ArtifactStore archives run reports and expanded manifests.
type ArtifactStore interface {
	// UploadRunReport archives the result of a completed run.
	UploadRunReport(ctx context.Context, result *RunResult) error

	// UploadManifest archives the manifest a run was driven by.
	UploadManifest(ctx context.Context, runID string, m *manifest.Manifest) error
}

// Runner executes a single action. The scheduler passes the terminal
// results of the action's require dependencies so parameter resolution can
// consume upstream outputs.
type Runner interface {
	// RunAction executes one action to a terminal status.
	RunAction(ctx context.Context, action *Action, upstream map[string]*ActionResult) (*ActionResult, error)
}
