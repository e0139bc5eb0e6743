// Package engine turns a fleet manifest into a reconciled, executed
// deployment across accounts and regions.
//
// # Pipeline
//
// A run moves through five stages:
//
//  1. Expand - GraphBuilder turns each manifest section into one action per
//     target account/region and wires depends_on, from_output, and account
//     ordering into a DAG.
//  2. Filter - the graph is narrowed to the run's target selectors; the
//     desired keyset is captured first so a narrowed run never reads as
//     removal.
//  3. Reconcile - Reconciler compares every action against its deployed
//     state record and assigns an operation (create/update/terminate/noop);
//     products recorded but no longer desired become terminate actions
//     ordered against their recorded dependents.
//  4. Execute - Scheduler drives the DAG under the concurrency budgets,
//     dispatching each ready action to the ActionExecutor: claim the key,
//     resolve parameters, decide the final operation, call the remote
//     control plane with idempotent resubmission and classified retry,
//     persist the record.
//  5. Report - Summarize folds per-action results into the run summary and
//     verdict; Engine persists the run and archives artifacts.
//
// The Engine type is the facade over all of this: RunDeployment for a full
// run, Drift for read-only verification.
//
// # Bindings
//
// The engine is pure orchestration; everything that touches the outside
// world comes in through the interfaces in interfaces.go: StateStore,
// SessionBroker and RemoteProvisioningAPI, LookupResolver, OutputPublisher,
// ArtifactStore, and EventSink. pkg/stores and pkg/cloud provide the real
// implementations; tests substitute in-memory fakes.
//
// # Error classification
//
// Every failure is an *EngineError carrying a class and a machine code.
// The class drives retry:
//
//   - Transient: temporary failures, retried with backoff
//   - Throttled: rate limiting, retried with a longer backoff
//   - Conflict: claim or concurrent-modification conflicts, retried
//   - Permanent: non-recoverable, failed immediately
//
// Per-action failures never unwind the run. A failed action skips its
// dependents (UNRESOLVED_DEPENDENCY) and independent branches keep going;
// only compile-time errors (validation, unknown references, cycles) and
// cancellation abort before or during dispatch.
package engine
