package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfleet/openfleet/pkg/manifest"
)

// Deps bundles the engine's external bindings. Store, Sessions, and Lookups
// are required; the rest degrade to no-ops when nil.
type Deps struct {
	// Store persists deployed state records and run results.
	Store StateStore

	// Sessions issues credential sessions for target accounts.
	Sessions SessionBroker

	// Lookups resolves external parameter lookups.
	Lookups LookupResolver

	// Publisher publishes declared action outputs. Optional.
	Publisher OutputPublisher

	// Artifacts archives run reports and manifests. Optional.
	Artifacts ArtifactStore

	// Events receives run timeline events. Optional.
	Events EventSink
}

// Config tunes execution across runs. Zero values take the executor
// defaults.
type Config struct {
	// MaxAttempts caps execution attempts per action.
	MaxAttempts int

	// AttemptTimeout bounds a single attempt end to end.
	AttemptTimeout time.Duration

	// PollInterval is the delay between remote record polls.
	PollInterval time.Duration

	// PollTimeout bounds the wait for a remote operation within one attempt.
	PollTimeout time.Duration

	// ClaimTTL is how long an execution claim fences an action key.
	ClaimTTL time.Duration
}

// Engine runs deployments: manifest in, per-action terminal results out.
// A single Engine is safe for sequential runs; each RunDeployment call is
// one fenced run with its own run ID.
type Engine struct {
	deps Deps
	cfg  Config
}

// New creates an engine from its bindings.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, NewPermanentError("engine requires a state store", nil).WithCode(ErrCodeValidation)
	}
	if deps.Sessions == nil {
		return nil, NewPermanentError("engine requires a session broker", nil).WithCode(ErrCodeValidation)
	}
	if deps.Lookups == nil {
		return nil, NewPermanentError("engine requires a lookup resolver", nil).WithCode(ErrCodeValidation)
	}
	return &Engine{deps: deps, cfg: cfg}, nil
}

// RunDeployment executes one deployment run over the manifest.
//
// The pipeline is: expand the manifest into the action graph, narrow it to
// the target filter, reconcile every action against its deployed state
// record (appending terminations for removed products), then drive the
// graph to completion under the run options. Per-action failures never
// fail the run; the returned result enumerates them and the verdict
// reflects them. The error return is reserved for failures before dispatch:
// an invalid manifest, a dependency cycle, or an unreachable state store.
func (e *Engine) RunDeployment(ctx context.Context, m *manifest.Manifest, opts *Options) (*RunResult, error) {
	if opts == nil {
		opts = &Options{}
	}

	runID := uuid.New().String()
	hash, _ := m.Hash()
	result := &RunResult{
		RunID:        runID,
		ManifestName: m.Name,
		ManifestHash: hash,
		DryRun:       opts.DryRun,
		StartedAt:    time.Now(),
	}

	e.publishEvent(runID, EventTypeRunStarted, "",
		fmt.Sprintf("run %s started over manifest %s", runID, m.Name),
		map[string]interface{}{"manifest": m.Name})

	graph, summary, err := e.plan(ctx, m, opts)
	if err != nil {
		return e.failBeforeDispatch(result, err)
	}
	e.publishEvent(runID, EventTypeInfo, "",
		fmt.Sprintf("planned %d actions: %d create, %d update, %d terminate, %d no-change",
			summary.Total, summary.ToCreate, summary.ToUpdate, summary.ToTerminate, summary.NoChange), nil)

	scheduler := NewScheduler(e.newExecutor(runID, opts), e.deps.Events)
	actions, verdict := scheduler.Execute(ctx, runID, graph, opts)

	result.Actions = actions
	result.Verdict = verdict
	result.Summary = Summarize(actions)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	e.publishEvent(runID, EventTypeRunCompleted, "",
		fmt.Sprintf("run %s completed with verdict %s: %d/%d succeeded",
			runID, verdict, result.Summary.Succeeded, result.Summary.Total),
		map[string]interface{}{"verdict": string(verdict)})

	if !opts.DryRun {
		e.persist(ctx, result, m)
	}
	return result, nil
}

// Drift verifies deployed products against the manifest and the live remote
// state without mutating anything. Every action whose reconciled operation
// is not a no-op is reported as drifted; no-op actions are verified against
// the remote control plane the way a healing run would.
func (e *Engine) Drift(ctx context.Context, m *manifest.Manifest, opts *Options) ([]*DriftReport, error) {
	if opts == nil {
		opts = &Options{}
	}

	graph, _, err := e.plan(ctx, m, opts)
	if err != nil {
		return nil, err
	}

	executor := e.newExecutor(uuid.New().String(), opts)
	reports := make([]*DriftReport, 0, graph.Size())
	for _, action := range graph.OrderedActions() {
		switch action.Operation {
		case OperationNoop:
			report, err := e.verifyRemote(ctx, executor, action)
			if err != nil {
				return nil, err
			}
			reports = append(reports, report)
		case OperationTerminate:
			reports = append(reports, &DriftReport{
				Key:        action.Key,
				Status:     DriftStatusDrifted,
				Detail:     "deployed product is no longer in the manifest",
				DetectedAt: time.Now(),
			})
		default:
			reports = append(reports, &DriftReport{
				Key:        action.Key,
				Status:     DriftStatusDrifted,
				Detail:     fmt.Sprintf("manifest diverges from deployed state: planned %s", action.Operation),
				DetectedAt: time.Now(),
			})
		}
	}
	return reports, nil
}

// plan expands, filters, and reconciles the manifest into a runnable graph.
func (e *Engine) plan(ctx context.Context, m *manifest.Manifest, opts *Options) (*Graph, *ReconcileSummary, error) {
	graph, err := NewGraphBuilder().Build(m)
	if err != nil {
		return nil, nil, err
	}

	// The desired keyset is captured before filtering: narrowing a run must
	// never read as removal.
	desired := graph.KeySet()
	graph = graph.Filter(opts.TargetFilter)

	reconciler := NewReconciler(e.deps.Store)
	summary, err := reconciler.Reconcile(ctx, graph, m, desired, opts.TargetFilter)
	if err != nil {
		return nil, nil, err
	}
	return graph, summary, nil
}

// newExecutor builds the per-run action executor.
func (e *Engine) newExecutor(runID string, opts *Options) *ActionExecutor {
	return NewActionExecutor(
		ExecutorConfig{
			RunID:          runID,
			MaxAttempts:    e.cfg.MaxAttempts,
			AttemptTimeout: e.cfg.AttemptTimeout,
			PollInterval:   e.cfg.PollInterval,
			PollTimeout:    e.cfg.PollTimeout,
			ClaimTTL:       e.cfg.ClaimTTL,
			DryRun:         opts.DryRun,
			Heal:           opts.Heal,
		},
		e.deps.Sessions,
		e.deps.Store,
		NewResolver(e.deps.Lookups, e.deps.Store),
		NewReconciler(e.deps.Store),
		e.deps.Publisher,
		e.deps.Events,
	)
}

// verifyRemote checks one no-op action's deployed product against its live
// remote state.
func (e *Engine) verifyRemote(ctx context.Context, executor *ActionExecutor, action *Action) (*DriftReport, error) {
	session, err := e.deps.Sessions.AssumeSession(ctx, action.Target)
	if err != nil {
		return nil, asSessionError(err, action.Key)
	}
	defer session.Release()

	outcome, _ := executor.verify(ctx, session.Remote(), action, action.Record)
	return outcome.Drift, nil
}

// failBeforeDispatch finalizes a result for a run that never dispatched.
func (e *Engine) failBeforeDispatch(result *RunResult, err error) (*RunResult, error) {
	result.Verdict = VerdictFailure
	result.Error = asEngineError(err)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	e.publishEvent(result.RunID, EventTypeError, "",
		fmt.Sprintf("run %s failed before dispatch: %v", result.RunID, err), nil)
	e.publishEvent(result.RunID, EventTypeRunCompleted, "",
		fmt.Sprintf("run %s completed with verdict %s", result.RunID, result.Verdict),
		map[string]interface{}{"verdict": string(result.Verdict)})
	return result, err
}

// persist saves the run result and archives artifacts. Persistence failures
// after a completed run degrade to warnings; the run's verdict stands.
func (e *Engine) persist(ctx context.Context, result *RunResult, m *manifest.Manifest) {
	// The run is over; persistence proceeds even when the run context was
	// cancelled.
	pctx := context.WithoutCancel(ctx)

	if err := e.deps.Store.SaveRun(pctx, result); err != nil {
		e.publishEvent(result.RunID, EventTypeWarning, "",
			fmt.Sprintf("failed to save run %s: %v", result.RunID, err), nil)
	}
	if e.deps.Artifacts == nil {
		return
	}
	if err := e.deps.Artifacts.UploadManifest(pctx, result.RunID, m); err != nil {
		e.publishEvent(result.RunID, EventTypeWarning, "",
			fmt.Sprintf("failed to archive manifest for run %s: %v", result.RunID, err), nil)
	}
	if err := e.deps.Artifacts.UploadRunReport(pctx, result); err != nil {
		e.publishEvent(result.RunID, EventTypeWarning, "",
			fmt.Sprintf("failed to archive report for run %s: %v", result.RunID, err), nil)
	}
}

// publishEvent publishes a run-level event.
func (e *Engine) publishEvent(runID string, eventType EventType, actionKey, message string, details map[string]interface{}) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Publish(Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Type:      eventType,
		ActionKey: actionKey,
		Message:   message,
		Timestamp: time.Now(),
		Details:   details,
	})
}
