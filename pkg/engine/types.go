package engine

import (
	"fmt"
	"time"

	"github.com/openfleet/openfleet/pkg/manifest"
)

// ProductRef identifies a provisionable product and version.
type ProductRef struct {
	// Name is the product name as registered in the catalog.
	Name string `json:"name"`

	// Portfolio is the portfolio the product belongs to.
	Portfolio string `json:"portfolio"`

	// Version is the provisioning artifact version.
	Version string `json:"version"`
}

// Action is one unit of deployment work: a single product deployed to a
// single account and region.
type Action struct {
	// Key uniquely identifies the action as kind:section:account:region.
	Key string `json:"key"`

	// Section is the manifest section this action was expanded from.
	Section string `json:"section"`

	// Kind distinguishes baseline from launch actions.
	Kind SectionKind `json:"kind"`

	// Product is the product to provision.
	Product ProductRef `json:"product"`

	// Target is the account and region the product deploys to.
	Target manifest.Target `json:"target"`

	// Operation is the reconciled operation for this action. For actions
	// whose parameters depend on upstream outputs it is finalized at
	// execution time, once those outputs are known.
	Operation OperationKind `json:"operation,omitempty"`

	// Parameters are the section-level parameter declarations.
	Parameters map[string]manifest.ParameterValue `json:"parameters,omitempty"`

	// Schema is the product parameter schema.
	Schema map[string]manifest.ParameterSchema `json:"schema,omitempty"`

	// Defaults are the manifest-wide parameter values.
	Defaults map[string]string `json:"defaults,omitempty"`

	// Outputs are the provisioning outputs published after success.
	Outputs []manifest.OutputDecl `json:"outputs,omitempty"`

	// OutputSources maps parameter names declared with from_output to the
	// concrete upstream action and output key, resolved at build time.
	OutputSources map[string]OutputSource `json:"output_sources,omitempty"`

	// DependsOn lists upstream action keys whose success this action requires.
	DependsOn []string `json:"depends_on,omitempty"`

	// OrderAfter lists action keys that must reach a terminal state before
	// this action starts, without requiring their success.
	OrderAfter []string `json:"order_after,omitempty"`

	// Record is the prior deployed state record, when one exists.
	// Terminate actions are built entirely from it.
	Record *StateRecord `json:"-"`

	// Order is the action's index in the stable dispatch order.
	Order int `json:"order"`

	// Level is the dependency depth. Level 0 actions have no dependencies.
	Level int `json:"level"`
}

// ActionKey builds the canonical key for an action.
func ActionKey(kind SectionKind, section, accountID, region string) string {
	return fmt.Sprintf("%s:%s:%s:%s", kind, section, accountID, region)
}

// OutputSource binds a parameter to one upstream action's output.
type OutputSource struct {
	// ActionKey is the upstream action producing the output.
	ActionKey string `json:"action_key"`

	// Output is the output key to read.
	Output string `json:"output"`
}

// StateRecord is the persisted deployed state record for one action key.
// It is the source of truth for reconciliation and for terminating products
// removed from the manifest.
type StateRecord struct {
	// Key is the action key this record belongs to.
	Key string `json:"key"`

	// Section is the manifest section the action was expanded from.
	Section string `json:"section"`

	// Kind distinguishes baseline from launch records.
	Kind SectionKind `json:"kind"`

	// AccountID is the target account.
	AccountID string `json:"account_id"`

	// Region is the target region.
	Region string `json:"region"`

	// Product is the product deployed under this key.
	Product ProductRef `json:"product"`

	// ParameterHash is the hash of the resolved parameters last applied.
	ParameterHash string `json:"parameter_hash,omitempty"`

	// Outputs are the provisioning outputs from the last successful apply.
	Outputs map[string]string `json:"outputs,omitempty"`

	// ProvisionedID is the remote provisioned product identifier.
	ProvisionedID string `json:"provisioned_id,omitempty"`

	// LastOperation is the operation last performed for this key.
	LastOperation OperationKind `json:"last_operation,omitempty"`

	// LastStatus is the terminal status of the last attempt.
	LastStatus ActionStatus `json:"last_status,omitempty"`

	// Tainted marks the deployed product as needing reprovisioning
	// regardless of parameter hash.
	Tainted bool `json:"tainted,omitempty"`

	// Attempts counts execution attempts across the record's lifetime.
	Attempts int `json:"attempts,omitempty"`

	// DependsOn preserves the action's dependency keys at apply time, so
	// removed products can be terminated in reverse dependency order.
	DependsOn []string `json:"depends_on,omitempty"`

	// ClaimRunID is the run currently holding the execution claim, if any.
	ClaimRunID string `json:"claim_run_id,omitempty"`

	// ClaimExpiresAt is when the current claim lapses.
	ClaimExpiresAt time.Time `json:"claim_expires_at,omitempty"`

	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Deployed returns true if the record represents a live deployed product.
// A record that only ever failed, or that exists as a claim stub, is not
// considered deployed.
func (r *StateRecord) Deployed() bool {
	return r.LastStatus == ActionStatusSucceeded && r.LastOperation != OperationTerminate
}

// Graph is the dependency graph of actions for one run.
type Graph struct {
	// Actions maps action key to action.
	Actions map[string]*Action `json:"actions"`

	// Order lists action keys in stable topological order. Ties within a
	// level break on manifest declaration order.
	Order []string `json:"order"`

	// Dependents maps an action key to the keys that wait on it, over both
	// require and order edges.
	Dependents map[string][]string `json:"dependents,omitempty"`

	// Roots lists actions with no dependencies.
	Roots []string `json:"roots,omitempty"`

	// Depth is the number of dependency levels in the graph.
	Depth int `json:"depth"`
}

// Size returns the number of actions in the graph.
func (g *Graph) Size() int {
	return len(g.Actions)
}

// KeySet returns the set of action keys in the graph.
func (g *Graph) KeySet() map[string]bool {
	keys := make(map[string]bool, len(g.Actions))
	for key := range g.Actions {
		keys[key] = true
	}
	return keys
}

// OrderedActions returns the actions in stable topological order.
func (g *Graph) OrderedActions() []*Action {
	actions := make([]*Action, 0, len(g.Order))
	for _, key := range g.Order {
		actions = append(actions, g.Actions[key])
	}
	return actions
}

// Options configures a deployment run.
type Options struct {
	// MaxConcurrency caps the number of actions executing at once.
	// Defaults to 10 when zero.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// AccountConcurrency caps concurrent actions per target account.
	// Zero disables the per-account cap.
	AccountConcurrency int `json:"account_concurrency,omitempty"`

	// DryRun reports each action's effect without mutating remote state.
	DryRun bool `json:"dry_run,omitempty"`

	// TargetFilter restricts the run to actions matching any selector.
	// Selectors take the form section:<name>, account:<id>, region:<region>,
	// or tag:<tag>.
	TargetFilter []string `json:"target_filter,omitempty"`

	// Deadline bounds the whole run. When it expires, actions not yet
	// running are skipped. Zero means no deadline.
	Deadline time.Duration `json:"deadline,omitempty"`

	// Heal escalates drifted no-op actions to updates instead of only
	// reporting the drift.
	Heal bool `json:"heal,omitempty"`
}

// RunResult is the aggregate outcome of a deployment run.
type RunResult struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// ManifestName is the name of the manifest that drove the run.
	ManifestName string `json:"manifest_name,omitempty"`

	// ManifestHash is the content hash of the manifest.
	ManifestHash string `json:"manifest_hash,omitempty"`

	// Verdict is the overall run outcome.
	Verdict RunVerdict `json:"verdict"`

	// DryRun marks the result as a dry run.
	DryRun bool `json:"dry_run,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Summary counts actions by final status.
	Summary RunSummary `json:"summary"`

	// Actions holds per-action results in dispatch order.
	Actions []*ActionResult `json:"actions"`

	// Error is set when the run failed before or outside action dispatch.
	Error *EngineError `json:"error,omitempty"`
}

// ActionResultByKey returns the result for the given action key, or nil.
func (r *RunResult) ActionResultByKey(key string) *ActionResult {
	for _, ar := range r.Actions {
		if ar.Key == key {
			return ar
		}
	}
	return nil
}

// RunSummary counts actions by final status and effect.
type RunSummary struct {
	// Total is the number of actions in the run.
	Total int `json:"total"`

	// Succeeded counts actions that completed successfully.
	Succeeded int `json:"succeeded"`

	// Failed counts actions that failed.
	Failed int `json:"failed"`

	// Skipped counts actions skipped due to dependency failures,
	// cancellation, or the run deadline.
	Skipped int `json:"skipped"`

	// Changed counts actions that mutated (or would mutate) remote state.
	Changed int `json:"changed"`

	// Unchanged counts actions whose deployed product already matched.
	Unchanged int `json:"unchanged"`
}

// ActionResult records the outcome of one action.
type ActionResult struct {
	// Key is the action key.
	Key string `json:"key"`

	// Section is the manifest section the action belongs to.
	Section string `json:"section"`

	// AccountID is the target account.
	AccountID string `json:"account_id"`

	// Region is the target region.
	Region string `json:"region"`

	// Operation is the operation that was performed or planned.
	Operation OperationKind `json:"operation"`

	// Status is the final action status.
	Status ActionStatus `json:"status"`

	// Effect reports whether the action changed (or would change) remote state.
	Effect Effect `json:"effect,omitempty"`

	// Attempts is the number of execution attempts made.
	Attempts int `json:"attempts,omitempty"`

	// Error describes the failure or skip reason, if any.
	Error *EngineError `json:"error,omitempty"`

	// Drift is the drift report from verification, if drift was checked.
	Drift *DriftReport `json:"drift,omitempty"`

	// Outputs are the provisioning outputs available to dependents.
	Outputs map[string]string `json:"outputs,omitempty"`

	// StartedAt is when execution started. Zero for skipped actions.
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the action reached its final status.
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Duration is the execution duration.
	Duration time.Duration `json:"duration,omitempty"`
}

// Outcome is the result of executing a single action against remote state.
type Outcome struct {
	// Operation is the operation actually performed.
	Operation OperationKind `json:"operation"`

	// Effect reports whether remote state was (or would be) changed.
	Effect Effect `json:"effect"`

	// ProvisionedID is the remote provisioned product identifier.
	ProvisionedID string `json:"provisioned_id,omitempty"`

	// Outputs are the provisioning outputs after the operation.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Drift is the drift report from verification, if drift was checked.
	Drift *DriftReport `json:"drift,omitempty"`

	// Attempts is the number of attempts made.
	Attempts int `json:"attempts"`
}

// DriftReport describes divergence between a deployed state record and the
// live remote state.
type DriftReport struct {
	// Key is the action key the report applies to.
	Key string `json:"key"`

	// Status is the drift verification result.
	Status DriftStatus `json:"status"`

	// Detail is a human-readable description of the divergence.
	Detail string `json:"detail,omitempty"`

	// DetectedAt is when the verification ran.
	DetectedAt time.Time `json:"detected_at"`
}

// Event is a timeline event emitted during a run.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// ActionKey is the action this event relates to, if any.
	ActionKey string `json:"action_key,omitempty"`

	// Message is the human-readable event message.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Details contains additional event context.
	Details map[string]interface{} `json:"details,omitempty"`
}
