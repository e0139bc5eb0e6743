package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Scheduler drives a reconciled graph to completion with bounded concurrency.
// Actions dispatch in the graph's stable order as their dependencies reach
// terminal states. A failed or skipped dependency skips its dependents
// eagerly, without those actions ever holding a worker slot.
type Scheduler struct {
	// runner executes individual actions
	runner Runner

	// events publishes run timeline events
	events EventSink
}

// NewScheduler creates a new scheduler.
func NewScheduler(runner Runner, events EventSink) *Scheduler {
	return &Scheduler{runner: runner, events: events}
}

// Execute runs every action in the graph to a terminal status and returns
// the per-action results in dispatch order together with the run verdict.
//
// Cancelling the context stops new dispatch; actions already in flight run
// to completion and everything not yet started is skipped. The optional run
// deadline behaves the same way.
func (s *Scheduler) Execute(ctx context.Context, runID string, graph *Graph, opts *Options) ([]*ActionResult, RunVerdict) {
	maxParallel := 10 // Default to 10 concurrent actions
	if opts != nil && opts.MaxConcurrency > 0 {
		maxParallel = opts.MaxConcurrency
	}

	run := &schedulerRun{
		scheduler: s,
		runID:     runID,
		graph:     graph,
		status:    make(map[string]ActionStatus, graph.Size()),
		results:   make(map[string]*ActionResult, graph.Size()),
		global:    semaphore.NewWeighted(int64(maxParallel)),
		accounts:  make(map[string]*semaphore.Weighted),
	}
	if opts != nil {
		run.accountLimit = int64(opts.AccountConcurrency)
	}
	run.cond = sync.NewCond(&run.mu)
	for _, key := range graph.Order {
		run.status[key] = ActionStatusPending
	}

	if opts != nil && opts.Deadline > 0 {
		timer := time.AfterFunc(opts.Deadline, func() {
			run.mu.Lock()
			run.deadlineHit = true
			run.cond.Broadcast()
			run.mu.Unlock()
		})
		defer timer.Stop()
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			run.mu.Lock()
			run.cancelled = true
			run.cond.Broadcast()
			run.mu.Unlock()
		case <-watchDone:
		}
	}()

	// In-flight actions finish even when the run context is cancelled. Only
	// new dispatch stops.
	run.loop(context.WithoutCancel(ctx))

	results := make([]*ActionResult, 0, len(graph.Order))
	for _, key := range graph.Order {
		results = append(results, run.results[key])
	}
	return results, run.verdict(results)
}

// schedulerRun holds the mutable state of one Execute call.
type schedulerRun struct {
	scheduler *Scheduler
	runID     string
	graph     *Graph

	// mu protects shared state during execution
	mu   sync.Mutex
	cond *sync.Cond

	// status tracks the current status of each action
	status map[string]ActionStatus

	// results maps action keys to their terminal results
	results map[string]*ActionResult

	// inFlight counts actions currently executing
	inFlight int

	// global bounds total concurrent actions
	global *semaphore.Weighted

	// accounts bounds concurrent actions per target account
	accounts     map[string]*semaphore.Weighted
	accountLimit int64

	deadlineHit bool
	cancelled   bool
	aborted     bool
}

// loop dispatches until every action reaches a terminal status.
func (r *schedulerRun) loop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.sweep(ctx)
		if r.finished() {
			return
		}
		r.cond.Wait()
	}
}

// finished reports whether every action is terminal and no worker is running.
// Callers must hold mu.
func (r *schedulerRun) finished() bool {
	if r.inFlight > 0 {
		return false
	}
	for _, st := range r.status {
		if !st.IsTerminal() {
			return false
		}
	}
	return true
}

// sweep propagates skips to a fixpoint, then dispatches ready actions in
// stable order within the available slots. Callers must hold mu.
func (r *schedulerRun) sweep(ctx context.Context) {
	if r.deadlineHit || r.cancelled {
		r.abort()
		return
	}

	changed := true
	for changed {
		changed = false
		for _, key := range r.graph.Order {
			if r.status[key] != ActionStatusPending {
				continue
			}
			if cause := r.blockedBy(r.graph.Actions[key]); cause != "" {
				r.skip(key, NewPermanentError(
					fmt.Sprintf("dependency %s did not succeed", cause), nil).
					WithCode(ErrCodeUnresolvedDependency).WithAction(key))
				changed = true
			}
		}
	}

	for _, key := range r.graph.Order {
		if r.status[key] != ActionStatusPending {
			continue
		}
		action := r.graph.Actions[key]
		if !r.ready(action) {
			continue
		}
		if !r.global.TryAcquire(1) {
			return
		}
		account := r.accountSem(action.Target.AccountID)
		if account != nil && !account.TryAcquire(1) {
			r.global.Release(1)
			continue
		}
		r.launch(ctx, action, account)
	}
}

// blockedBy returns the key of a require dependency that failed or was
// skipped, or "" when none has. Callers must hold mu.
func (r *schedulerRun) blockedBy(action *Action) string {
	for _, dep := range action.DependsOn {
		switch r.status[dep] {
		case ActionStatusFailed, ActionStatusSkipped:
			return dep
		}
	}
	return ""
}

// ready reports whether all require dependencies succeeded and all order
// dependencies are terminal. Callers must hold mu.
func (r *schedulerRun) ready(action *Action) bool {
	for _, dep := range action.DependsOn {
		if r.status[dep] != ActionStatusSucceeded {
			return false
		}
	}
	for _, dep := range action.OrderAfter {
		if !r.status[dep].IsTerminal() {
			return false
		}
	}
	return true
}

// accountSem returns the semaphore bounding the given account, creating it
// on first use. Returns nil when per-account limits are off. Callers must
// hold mu.
func (r *schedulerRun) accountSem(accountID string) *semaphore.Weighted {
	if r.accountLimit <= 0 {
		return nil
	}
	sem, ok := r.accounts[accountID]
	if !ok {
		sem = semaphore.NewWeighted(r.accountLimit)
		r.accounts[accountID] = sem
	}
	return sem
}

// launch starts one action on a worker goroutine. Callers must hold mu.
func (r *schedulerRun) launch(ctx context.Context, action *Action, account *semaphore.Weighted) {
	r.status[action.Key] = ActionStatusRunning
	r.inFlight++

	upstream := make(map[string]*ActionResult, len(action.DependsOn))
	for _, dep := range action.DependsOn {
		upstream[dep] = r.results[dep]
	}

	r.publishEvent(EventTypeActionStarted, action.Key,
		fmt.Sprintf("started %s %s", action.Operation, action.Key),
		map[string]interface{}{
			"operation":  string(action.Operation),
			"account_id": action.Target.AccountID,
			"region":     action.Target.Region,
		})

	go func() {
		result, err := r.scheduler.runner.RunAction(ctx, action, upstream)
		if result == nil {
			result = &ActionResult{
				Key:         action.Key,
				Section:     action.Section,
				AccountID:   action.Target.AccountID,
				Region:      action.Target.Region,
				Operation:   action.Operation,
				Status:      ActionStatusFailed,
				Error:       asEngineError(err).WithAction(action.Key),
				CompletedAt: time.Now(),
			}
		}
		// A resolution failure on upstream outputs is a skip, not a failure:
		// the action never got the inputs it needed.
		if result.Status == ActionStatusFailed && result.Error != nil &&
			result.Error.Code == ErrCodeUnresolvedDependency {
			result.Status = ActionStatusSkipped
		}

		switch result.Status {
		case ActionStatusSucceeded:
			r.publishEvent(EventTypeActionCompleted, action.Key,
				fmt.Sprintf("completed %s %s", result.Operation, action.Key),
				map[string]interface{}{"operation": string(result.Operation)})
		case ActionStatusSkipped:
			r.publishEvent(EventTypeActionSkipped, action.Key,
				fmt.Sprintf("skipped %s: %v", action.Key, result.Error),
				failureDetails(result.Operation, result.Error))
		default:
			r.publishEvent(EventTypeActionFailed, action.Key,
				fmt.Sprintf("failed %s %s: %v", result.Operation, action.Key, result.Error),
				failureDetails(result.Operation, result.Error))
		}

		r.mu.Lock()
		r.results[action.Key] = result
		r.status[action.Key] = result.Status
		r.inFlight--
		r.global.Release(1)
		if account != nil {
			account.Release(1)
		}
		r.cond.Broadcast()
		r.mu.Unlock()
	}()
}

// abort skips everything not yet running after the deadline fired or the run
// was cancelled. Callers must hold mu.
func (r *schedulerRun) abort() {
	r.aborted = true
	for _, key := range r.graph.Order {
		if r.status[key] != ActionStatusPending {
			continue
		}
		if r.deadlineHit {
			r.skip(key, NewPermanentError("run deadline exceeded", nil).
				WithCode(ErrCodeRunDeadlineExceeded).WithAction(key))
			continue
		}
		r.skip(key, NewPermanentError("run cancelled", nil).
			WithCode(ErrCodeCancelled).WithAction(key))
	}
}

// skip marks one action skipped with the given cause. Callers must hold mu.
func (r *schedulerRun) skip(key string, cause *EngineError) {
	action := r.graph.Actions[key]
	now := time.Now()
	r.status[key] = ActionStatusSkipped
	r.results[key] = &ActionResult{
		Key:         key,
		Section:     action.Section,
		AccountID:   action.Target.AccountID,
		Region:      action.Target.Region,
		Operation:   action.Operation,
		Status:      ActionStatusSkipped,
		Error:       cause,
		CompletedAt: now,
	}
	r.publishEvent(EventTypeActionSkipped, key, fmt.Sprintf("skipped %s: %s", key, cause.Message),
		failureDetails(action.Operation, cause))
}

// verdict maps terminal action results to the run verdict.
func (r *schedulerRun) verdict(results []*ActionResult) RunVerdict {
	if r.aborted {
		return VerdictAborted
	}
	var succeeded, failed, skipped int
	for _, result := range results {
		switch result.Status {
		case ActionStatusSucceeded:
			succeeded++
		case ActionStatusFailed:
			failed++
		case ActionStatusSkipped:
			skipped++
		}
	}
	if failed > 0 {
		if succeeded > 0 {
			return VerdictPartialFailure
		}
		return VerdictFailure
	}
	if skipped > 0 {
		return VerdictPartialFailure
	}
	return VerdictSuccess
}

// publishEvent publishes a run timeline event.
func (r *schedulerRun) publishEvent(eventType EventType, actionKey, message string, details map[string]interface{}) {
	if r.scheduler.events == nil {
		return
	}
	r.scheduler.events.Publish(Event{
		ID:        uuid.New().String(),
		RunID:     r.runID,
		Type:      eventType,
		ActionKey: actionKey,
		Message:   message,
		Timestamp: time.Now(),
		Details:   details,
	})
}

// failureDetails annotates a terminal event with the operation and, when the
// result carries an error, its classification.
func failureDetails(operation OperationKind, engineErr *EngineError) map[string]interface{} {
	details := map[string]interface{}{"operation": string(operation)}
	if engineErr != nil {
		details["error_class"] = string(engineErr.Class)
		details["error_code"] = engineErr.Code
	}
	return details
}

// Summarize counts terminal results into a run summary.
func Summarize(results []*ActionResult) RunSummary {
	summary := RunSummary{Total: len(results)}
	for _, result := range results {
		switch result.Status {
		case ActionStatusSucceeded:
			summary.Succeeded++
			if result.Effect == EffectChange {
				summary.Changed++
			} else {
				summary.Unchanged++
			}
		case ActionStatusFailed:
			summary.Failed++
		case ActionStatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}
