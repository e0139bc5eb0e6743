package engine

import (
	"encoding/json"
	"fmt"
)

// RunVerdict represents the overall outcome of a deployment run.
type RunVerdict string

const (
	// VerdictSuccess indicates every action in the run reached SUCCEEDED.
	VerdictSuccess RunVerdict = "success"

	// VerdictPartialFailure indicates some actions succeeded while others failed or were skipped.
	VerdictPartialFailure RunVerdict = "partial_failure"

	// VerdictFailure indicates no action succeeded, or the run failed before dispatch.
	VerdictFailure RunVerdict = "failure"

	// VerdictAborted indicates the run was cut short by cancellation or the run deadline.
	VerdictAborted RunVerdict = "aborted"
)

// Validate checks if the run verdict is valid.
func (v RunVerdict) Validate() error {
	switch v {
	case VerdictSuccess, VerdictPartialFailure, VerdictFailure, VerdictAborted:
		return nil
	default:
		return fmt.Errorf("invalid run verdict: %s", v)
	}
}

// OperationKind represents the reconciled operation to perform for an action.
type OperationKind string

const (
	// OperationCreate indicates the product has no deployed state record and must be provisioned.
	OperationCreate OperationKind = "create"

	// OperationUpdate indicates the deployed product diverges from the manifest and must be updated.
	OperationUpdate OperationKind = "update"

	// OperationTerminate indicates the product was removed from the manifest and must be torn down.
	OperationTerminate OperationKind = "terminate"

	// OperationNoop indicates the deployed product already matches the manifest.
	OperationNoop OperationKind = "noop"
)

// IsMutating returns true if the operation changes remote state.
func (o OperationKind) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationTerminate
}

// Validate checks if the operation kind is valid.
func (o OperationKind) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationTerminate, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", o)
	}
}

// ActionStatus represents the status of an action during a run.
type ActionStatus string

const (
	// ActionStatusPending indicates the action is waiting on its dependencies.
	ActionStatusPending ActionStatus = "pending"

	// ActionStatusReady indicates all dependencies completed and the action awaits a worker.
	ActionStatusReady ActionStatus = "ready"

	// ActionStatusRunning indicates the action is currently executing.
	ActionStatusRunning ActionStatus = "running"

	// ActionStatusSucceeded indicates the action completed successfully.
	ActionStatusSucceeded ActionStatus = "succeeded"

	// ActionStatusFailed indicates the action failed.
	ActionStatusFailed ActionStatus = "failed"

	// ActionStatusSkipped indicates the action was skipped because a dependency
	// did not succeed or the run deadline expired before it could start.
	ActionStatusSkipped ActionStatus = "skipped"
)

// IsTerminal returns true if the action status represents a final state.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSucceeded || s == ActionStatusFailed || s == ActionStatusSkipped
}

// IsActive returns true if the action has not yet reached a final state.
func (s ActionStatus) IsActive() bool {
	return s == ActionStatusPending || s == ActionStatusReady || s == ActionStatusRunning
}

// Validate checks if the action status is valid.
func (s ActionStatus) Validate() error {
	switch s {
	case ActionStatusPending, ActionStatusReady, ActionStatusRunning,
		ActionStatusSucceeded, ActionStatusFailed, ActionStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid action status: %s", s)
	}
}

// RemoteStatus represents the state of a provisioning operation on the remote side.
type RemoteStatus string

const (
	// RemoteStatusInProgress indicates the remote operation is still running.
	RemoteStatusInProgress RemoteStatus = "in_progress"

	// RemoteStatusSucceeded indicates the remote operation completed successfully.
	RemoteStatusSucceeded RemoteStatus = "succeeded"

	// RemoteStatusFailed indicates the remote operation failed.
	RemoteStatusFailed RemoteStatus = "failed"
)

// IsTerminal returns true if the remote status represents a final state.
func (s RemoteStatus) IsTerminal() bool {
	return s == RemoteStatusSucceeded || s == RemoteStatusFailed
}

// Validate checks if the remote status is valid.
func (s RemoteStatus) Validate() error {
	switch s {
	case RemoteStatusInProgress, RemoteStatusSucceeded, RemoteStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid remote status: %s", s)
	}
}

// Effect represents whether an action changes remote state.
// Dry runs report the effect each action would have without performing it.
type Effect string

const (
	// EffectChange indicates the action mutates remote state.
	EffectChange Effect = "change"

	// EffectNoChange indicates the deployed product already matches the manifest.
	EffectNoChange Effect = "no_change"
)

// Validate checks if the effect is valid.
func (e Effect) Validate() error {
	switch e {
	case EffectChange, EffectNoChange:
		return nil
	default:
		return fmt.Errorf("invalid effect: %s", e)
	}
}

// DriftStatus represents the drift verification status of a deployed product.
type DriftStatus string

const (
	// DriftStatusInSync indicates the deployed product matches its record.
	DriftStatusInSync DriftStatus = "in_sync"

	// DriftStatusDrifted indicates the deployed product diverged from its record.
	DriftStatusDrifted DriftStatus = "drifted"

	// DriftStatusUnknown indicates drift status could not be determined.
	DriftStatusUnknown DriftStatus = "unknown"
)

// Validate checks if the drift status is valid.
func (s DriftStatus) Validate() error {
	switch s {
	case DriftStatusInSync, DriftStatusDrifted, DriftStatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid drift status: %s", s)
	}
}

// SectionKind distinguishes the two deployment section kinds in a manifest.
type SectionKind string

const (
	// SectionKindBaseline is shared per-account infrastructure deployed before launches.
	SectionKindBaseline SectionKind = "baseline"

	// SectionKindLaunch is a spoke product deployment.
	SectionKindLaunch SectionKind = "launch"
)

// Validate checks if the section kind is valid.
func (k SectionKind) Validate() error {
	switch k {
	case SectionKindBaseline, SectionKindLaunch:
		return nil
	default:
		return fmt.Errorf("invalid section kind: %s", k)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeActionStarted indicates an action has started execution.
	EventTypeActionStarted EventType = "action_started"

	// EventTypeActionCompleted indicates an action has completed successfully.
	EventTypeActionCompleted EventType = "action_completed"

	// EventTypeActionFailed indicates an action has failed.
	EventTypeActionFailed EventType = "action_failed"

	// EventTypeActionSkipped indicates an action was skipped.
	EventTypeActionSkipped EventType = "action_skipped"

	// EventTypeActionRetried indicates an action attempt failed and will be retried.
	EventTypeActionRetried EventType = "action_retried"

	// EventTypeDriftDetected indicates drift was detected during verification.
	EventTypeDriftDetected EventType = "drift_detected"

	// EventTypeOutputPublished indicates an action output was published.
	EventTypeOutputPublished EventType = "output_published"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeActionFailed, EventTypeError:
		return "error"
	case EventTypeWarning, EventTypeDriftDetected:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (v RunVerdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(v))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (v *RunVerdict) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*v = RunVerdict(str)
	return v.Validate()
}
