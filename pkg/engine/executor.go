package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ExecutorConfig configures action execution for one run.
type ExecutorConfig struct {
	// RunID is the run all executed actions belong to. Claims are fenced
	// against it.
	RunID string

	// MaxAttempts caps execution attempts per action. Defaults to 4.
	MaxAttempts int

	// AttemptTimeout bounds a single attempt end to end. Defaults to 30m.
	AttemptTimeout time.Duration

	// PollInterval is the delay between remote record polls. Defaults to 5s.
	PollInterval time.Duration

	// PollTimeout bounds the wait for a remote operation to reach a terminal
	// state within one attempt. Defaults to 25m.
	PollTimeout time.Duration

	// ClaimTTL is how long an execution claim fences an action key. Claims
	// are re-extended on every attempt. Defaults to 30m.
	ClaimTTL time.Duration

	// DryRun reports each action's effect without remote calls.
	DryRun bool

	// Heal escalates drifted no-op actions to updates.
	Heal bool
}

// withDefaults fills unset config fields.
func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Minute
	}
	return c
}

// ActionExecutor executes single actions against the remote provisioning
// control plane. It claims the action key, resolves parameters, makes the
// final operation decision against the fresh deployed state record, drives
// the remote operation to a terminal state, and persists the outcome.
type ActionExecutor struct {
	cfg        ExecutorConfig
	sessions   SessionBroker
	store      StateStore
	resolver   *Resolver
	reconciler *Reconciler
	publisher  OutputPublisher
	events     EventSink
}

// NewActionExecutor creates an executor for one run.
func NewActionExecutor(
	cfg ExecutorConfig,
	sessions SessionBroker,
	store StateStore,
	resolver *Resolver,
	reconciler *Reconciler,
	publisher OutputPublisher,
	events EventSink,
) *ActionExecutor {
	return &ActionExecutor{
		cfg:        cfg.withDefaults(),
		sessions:   sessions,
		store:      store,
		resolver:   resolver,
		reconciler: reconciler,
		publisher:  publisher,
		events:     events,
	}
}

// RunAction executes one action to a terminal status. Transient failures are
// retried with exponential backoff; the returned result is terminal either
// way, and the error return is reserved for invalid input.
func (e *ActionExecutor) RunAction(ctx context.Context, action *Action, upstream map[string]*ActionResult) (*ActionResult, error) {
	if action == nil {
		return nil, NewPermanentError("action is nil", nil).WithCode(ErrCodeValidation)
	}

	result := &ActionResult{
		Key:       action.Key,
		Section:   action.Section,
		AccountID: action.Target.AccountID,
		Region:    action.Target.Region,
		Operation: action.Operation,
		StartedAt: time.Now(),
	}

	if e.cfg.DryRun {
		e.simulate(ctx, action, upstream, result)
		return result, nil
	}

	var claimed bool
	defer func() {
		if claimed {
			_ = e.store.ReleaseClaim(context.WithoutCancel(ctx), action.Key, e.cfg.RunID)
		}
	}()

	var lastErr error
attempts:
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		outcome, err := e.attempt(ctx, action, upstream, &claimed)
		if err == nil {
			result.Status = ActionStatusSucceeded
			result.Operation = outcome.Operation
			result.Effect = outcome.Effect
			result.Outputs = outcome.Outputs
			result.Drift = outcome.Drift
			e.finish(result)
			return result, nil
		}

		lastErr = err
		if !IsRetryable(err) || attempt == e.cfg.MaxAttempts {
			break
		}

		delay := calculateBackoff(attempt-1, err)
		e.publishEvent(EventTypeActionRetried, action.Key,
			fmt.Sprintf("retrying %s after failure (attempt %d/%d): %v", action.Key, attempt, e.cfg.MaxAttempts, err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = NewTransientError("run cancelled while waiting to retry", ctx.Err()).
				WithCode(ErrCodeTimeout).WithAction(action.Key)
			break attempts
		}
	}

	result.Status = ActionStatusFailed
	result.Error = asEngineError(lastErr).WithAction(action.Key)
	if claimed {
		e.persistFailure(context.WithoutCancel(ctx), action, result)
	}
	e.finish(result)
	return result, nil
}

// attempt performs one execution attempt: claim, resolve, decide, dispatch.
func (e *ActionExecutor) attempt(ctx context.Context, action *Action, upstream map[string]*ActionResult, claimed *bool) (*Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	if err := e.store.ClaimRecord(actx, action.Key, e.cfg.RunID, e.cfg.ClaimTTL); err != nil {
		return nil, err
	}
	*claimed = true

	record, err := e.store.GetRecord(actx, action.Key)
	if err != nil {
		return nil, NewTransientError(
			fmt.Sprintf("failed to read deployed state record for %s", action.Key), err).
			WithAction(action.Key)
	}

	if action.Operation == OperationTerminate {
		return e.terminate(actx, action, record)
	}

	// Resolution happens inside the attempt so transient lookup failures
	// retry with the rest of the attempt.
	params, err := e.resolver.Resolve(actx, action, upstream)
	if err != nil {
		return nil, err
	}
	hash := HashParameters(params)
	op := e.reconciler.Decide(record, hash)

	session, err := e.sessions.AssumeSession(actx, action.Target)
	if err != nil {
		return nil, asSessionError(err, action.Key)
	}
	defer session.Release()
	api := session.Remote()

	var drift *DriftReport
	if op == OperationNoop {
		outcome, escalate := e.verify(actx, api, action, record)
		if escalate == OperationNoop {
			if err := e.publishOutputs(actx, action, outcome.Outputs, false); err != nil {
				return nil, err
			}
			return outcome, nil
		}
		op = escalate
		drift = outcome.Drift
	}

	outcome, err := e.apply(actx, api, action, record, op, params, hash)
	if err != nil {
		return nil, err
	}
	outcome.Drift = drift
	return outcome, nil
}

// verify checks a no-op action's deployed product against the live remote
// state. It returns the no-op outcome and, when healing is on and drift was
// found, the operation that repairs it.
func (e *ActionExecutor) verify(ctx context.Context, api RemoteProvisioningAPI, action *Action, record *StateRecord) (*Outcome, OperationKind) {
	outcome := &Outcome{
		Operation:     OperationNoop,
		Effect:        EffectNoChange,
		ProvisionedID: record.ProvisionedID,
		Outputs:       record.Outputs,
	}

	drift := &DriftReport{Key: action.Key, DetectedAt: time.Now()}
	remote, err := api.Describe(ctx, provisionedName(action))
	switch {
	case err != nil:
		drift.Status = DriftStatusUnknown
		drift.Detail = fmt.Sprintf("describe failed: %v", err)
	case !remote.Found:
		drift.Status = DriftStatusDrifted
		drift.Detail = "provisioned product not found"
	case remote.Status == RemoteStatusFailed:
		drift.Status = DriftStatusDrifted
		drift.Detail = "provisioned product is in a failed state"
		if remote.Detail != "" {
			drift.Detail = remote.Detail
		}
	default:
		drift.Status = DriftStatusInSync
	}
	outcome.Drift = drift

	if drift.Status != DriftStatusDrifted {
		return outcome, OperationNoop
	}
	e.publishEvent(EventTypeDriftDetected, action.Key,
		fmt.Sprintf("drift detected on %s: %s", action.Key, drift.Detail))
	if !e.cfg.Heal {
		return outcome, OperationNoop
	}
	if remote != nil && !remote.Found {
		return outcome, OperationCreate
	}
	return outcome, OperationUpdate
}

// apply dispatches a create or update, waits for the remote operation to
// finish, and persists the updated deployed state record.
func (e *ActionExecutor) apply(ctx context.Context, api RemoteProvisioningAPI, action *Action, record *StateRecord, op OperationKind, params map[string]string, hash string) (*Outcome, error) {
	req := &ProvisionRequest{
		Name:             provisionedName(action),
		Product:          action.Product,
		Parameters:       params,
		IdempotencyToken: e.token(action),
	}

	var (
		handle *ProvisionHandle
		err    error
	)
	switch op {
	case OperationCreate:
		handle, err = api.Provision(ctx, req)
	case OperationUpdate:
		req.ProvisionedID = record.ProvisionedID
		handle, err = api.Update(ctx, req)
	default:
		return nil, NewPermanentError(fmt.Sprintf("unexpected operation %s", op), nil).
			WithCode(ErrCodeInternal).WithAction(action.Key)
	}
	if err != nil {
		return nil, asRemoteError(err, action.Key).WithOperation(string(op))
	}

	status, err := e.waitForRecord(ctx, api, handle, action.Key)
	if err != nil {
		return nil, err
	}
	if status.Status == RemoteStatusFailed {
		detail := status.Detail
		if detail == "" {
			detail = "remote operation failed"
		}
		return nil, NewPermanentError(detail, nil).
			WithCode(ErrCodeExecutionFailed).WithAction(action.Key).WithOperation(string(op))
	}

	provisionedID := status.ProvisionedID
	if provisionedID == "" {
		provisionedID = handle.ProvisionedID
	}

	now := time.Now()
	updated := &StateRecord{
		Key:           action.Key,
		Section:       action.Section,
		Kind:          action.Kind,
		AccountID:     action.Target.AccountID,
		Region:        action.Target.Region,
		Product:       action.Product,
		ParameterHash: hash,
		Outputs:       status.Outputs,
		ProvisionedID: provisionedID,
		LastOperation: op,
		LastStatus:    ActionStatusSucceeded,
		DependsOn:     action.DependsOn,
		Attempts:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if record != nil {
		updated.Attempts = record.Attempts + 1
		if !record.CreatedAt.IsZero() {
			updated.CreatedAt = record.CreatedAt
		}
	}
	if err := e.store.PutRecord(ctx, updated); err != nil {
		return nil, NewTransientError(
			fmt.Sprintf("failed to persist deployed state record for %s", action.Key), err).
			WithAction(action.Key)
	}

	if err := e.publishOutputs(ctx, action, status.Outputs, true); err != nil {
		return nil, err
	}

	return &Outcome{
		Operation:     op,
		Effect:        EffectChange,
		ProvisionedID: provisionedID,
		Outputs:       status.Outputs,
	}, nil
}

// terminate tears down the deployed product behind a removed action key and
// tombstones its record.
func (e *ActionExecutor) terminate(ctx context.Context, action *Action, record *StateRecord) (*Outcome, error) {
	if record == nil || !record.Deployed() {
		// Nothing deployed under this key anymore.
		return &Outcome{Operation: OperationTerminate, Effect: EffectNoChange}, nil
	}

	session, err := e.sessions.AssumeSession(ctx, action.Target)
	if err != nil {
		return nil, asSessionError(err, action.Key)
	}
	defer session.Release()
	api := session.Remote()

	req := &TerminateRequest{
		Name:             provisionedName(action),
		ProvisionedID:    record.ProvisionedID,
		IdempotencyToken: e.token(action),
	}
	handle, err := api.Terminate(ctx, req)
	if err != nil {
		if ErrorCode(err) == ErrCodeNotFound {
			// Already gone remotely; only the record needs tombstoning.
			if err := e.store.TombstoneRecord(ctx, action.Key, e.cfg.RunID); err != nil {
				return nil, NewTransientError(
					fmt.Sprintf("failed to tombstone record for %s", action.Key), err).
					WithAction(action.Key)
			}
			return &Outcome{Operation: OperationTerminate, Effect: EffectNoChange}, nil
		}
		return nil, asRemoteError(err, action.Key).WithOperation(string(OperationTerminate))
	}

	status, err := e.waitForRecord(ctx, api, handle, action.Key)
	if err != nil {
		return nil, err
	}
	if status.Status == RemoteStatusFailed {
		detail := status.Detail
		if detail == "" {
			detail = "remote terminate failed"
		}
		return nil, NewPermanentError(detail, nil).
			WithCode(ErrCodeExecutionFailed).WithAction(action.Key).
			WithOperation(string(OperationTerminate))
	}

	if err := e.store.TombstoneRecord(ctx, action.Key, e.cfg.RunID); err != nil {
		return nil, NewTransientError(
			fmt.Sprintf("failed to tombstone record for %s", action.Key), err).
			WithAction(action.Key)
	}

	return &Outcome{
		Operation:     OperationTerminate,
		Effect:        EffectChange,
		ProvisionedID: record.ProvisionedID,
	}, nil
}

// waitForRecord polls an in-flight remote operation until it reaches a
// terminal state. Transient poll errors keep polling; the poll window is
// bounded by PollTimeout.
func (e *ActionExecutor) waitForRecord(ctx context.Context, api RemoteProvisioningAPI, handle *ProvisionHandle, actionKey string) (*RecordStatus, error) {
	deadline := time.NewTimer(e.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := api.PollRecord(ctx, handle)
		if err != nil && !IsRetryable(err) {
			return nil, asRemoteError(err, actionKey)
		}
		if err == nil && status.Status.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, NewTransientError("attempt cancelled while waiting for remote operation", ctx.Err()).
				WithCode(ErrCodeTimeout).WithAction(actionKey)
		case <-deadline.C:
			return nil, NewTransientError(
				fmt.Sprintf("remote operation %s did not finish within %s", handle.RecordID, e.cfg.PollTimeout), nil).
				WithCode(ErrCodeTimeout).WithAction(actionKey)
		case <-ticker.C:
		}
	}
}

// publishOutputs publishes the action's declared outputs. In strict mode a
// declared output the remote operation did not produce fails the action.
func (e *ActionExecutor) publishOutputs(ctx context.Context, action *Action, outputs map[string]string, strict bool) error {
	for _, decl := range action.Outputs {
		value, ok := outputs[decl.Output]
		if !ok {
			if strict {
				return NewPermanentError(
					fmt.Sprintf("provisioning produced no declared output %s", decl.Output), nil).
					WithCode(ErrCodeExecutionFailed).WithAction(action.Key)
			}
			e.publishEvent(EventTypeWarning, action.Key,
				fmt.Sprintf("recorded outputs for %s are missing %s", action.Key, decl.Output))
			continue
		}
		if decl.PublishTo == "" {
			continue
		}
		if e.publisher == nil {
			e.publishEvent(EventTypeWarning, action.Key,
				fmt.Sprintf("no output publisher configured, not publishing %s", decl.PublishTo))
			continue
		}
		if err := e.publisher.Publish(ctx, decl.PublishTo, value); err != nil {
			return asRemoteError(err, action.Key)
		}
		e.publishEvent(EventTypeOutputPublished, action.Key,
			fmt.Sprintf("published output %s of %s to %s", decl.Output, action.Key, decl.PublishTo))
	}
	return nil
}

// simulate produces a dry-run result without claims or remote calls. The
// operation is re-decided from resolved parameters where possible; inputs
// that only exist after upstream actions run keep the provisional operation
// and report a conservative change.
func (e *ActionExecutor) simulate(ctx context.Context, action *Action, upstream map[string]*ActionResult, result *ActionResult) {
	result.Status = ActionStatusSucceeded

	if action.Operation == OperationTerminate {
		result.Effect = EffectChange
		e.finish(result)
		return
	}

	op := action.Operation
	params, err := e.resolver.Resolve(ctx, action, upstream)
	switch {
	case err == nil:
		op = e.reconciler.Decide(action.Record, HashParameters(params))
	case ErrorCode(err) == ErrCodeMissingParameter:
		result.Status = ActionStatusFailed
		result.Error = asEngineError(err)
		e.finish(result)
		return
	}

	result.Operation = op
	result.Effect = EffectChange
	if op == OperationNoop {
		result.Effect = EffectNoChange
	}
	if action.Record != nil {
		result.Outputs = action.Record.Outputs
	}
	e.finish(result)
}

// persistFailure records a failed attempt on the deployed state record so
// the next run plans a repair.
func (e *ActionExecutor) persistFailure(ctx context.Context, action *Action, result *ActionResult) {
	record, err := e.store.GetRecord(ctx, action.Key)
	if err != nil {
		e.publishEvent(EventTypeWarning, action.Key,
			fmt.Sprintf("failed to read record while persisting failure for %s: %v", action.Key, err))
		return
	}
	now := time.Now()
	if record == nil {
		record = &StateRecord{Key: action.Key, CreatedAt: now}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.Section = action.Section
	record.Kind = action.Kind
	record.AccountID = action.Target.AccountID
	record.Region = action.Target.Region
	record.Product = action.Product
	record.LastOperation = result.Operation
	record.LastStatus = ActionStatusFailed
	record.Attempts += result.Attempts
	record.UpdatedAt = now

	if err := e.store.PutRecord(ctx, record); err != nil {
		e.publishEvent(EventTypeWarning, action.Key,
			fmt.Sprintf("failed to persist failure state for %s: %v", action.Key, err))
	}
}

// finish stamps the result's completion time and duration.
func (e *ActionExecutor) finish(result *ActionResult) {
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
}

// token returns the idempotency token for an action, stable across attempts
// within the run so retries resume the same remote operation.
func (e *ActionExecutor) token(action *Action) string {
	sum := sha256.Sum256([]byte(e.cfg.RunID + ":" + action.Key))
	return hex.EncodeToString(sum[:16])
}

// publishEvent publishes an execution event.
func (e *ActionExecutor) publishEvent(eventType EventType, actionKey, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(Event{
		ID:        uuid.New().String(),
		RunID:     e.cfg.RunID,
		Type:      eventType,
		ActionKey: actionKey,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// provisionedName derives the remote provisioned product name for an action.
func provisionedName(a *Action) string {
	return fmt.Sprintf("%s-%s-%s", a.Section, a.Target.AccountID, a.Target.Region)
}

// calculateBackoff calculates exponential backoff for a retry attempt.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Stretch the delay by an eighth so retries from concurrent actions
	// with the same attempt count do not land on identical boundaries.
	delay = delay + delay/8

	return delay
}

// asEngineError returns err as an EngineError, classifying unknown errors as
// permanent execution failures.
func asEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("action execution failed", err).WithCode(ErrCodeExecutionFailed)
}

// asSessionError classifies session acquisition failures.
func asSessionError(err error, actionKey string) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("failed to assume session for target", err).
		WithCode(ErrCodeAuthenticationFailed).WithAction(actionKey)
}

// asRemoteError classifies remote call failures, preserving an existing
// classification so transient and throttled errors stay retryable.
func asRemoteError(err error, actionKey string) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("remote operation failed", err).
		WithCode(ErrCodeExecutionFailed).WithAction(actionKey)
}
