package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfleet/openfleet/pkg/manifest"
)

// Reconciler decides, for every action in a graph, which operation brings
// deployed state in line with the manifest. It compares actions against their
// deployed state records and appends terminate actions for records the
// manifest no longer produces.
type Reconciler struct {
	// store is the deployed state record store
	store StateStore
}

// NewReconciler creates a new reconciler backed by the given state store.
func NewReconciler(store StateStore) *Reconciler {
	return &Reconciler{store: store}
}

// ReconcileSummary counts planned operations across a reconciled graph.
type ReconcileSummary struct {
	// Total is the number of actions after reconciliation, terminations included.
	Total int `json:"total"`

	// ToCreate counts actions planned as creates.
	ToCreate int `json:"to_create"`

	// ToUpdate counts actions planned as updates.
	ToUpdate int `json:"to_update"`

	// ToTerminate counts terminate actions appended for removed records.
	ToTerminate int `json:"to_terminate"`

	// NoChange counts actions whose deployed product already matches.
	NoChange int `json:"no_change"`
}

// Reconcile loads the deployed state record for every action in the run
// graph, decides each action's operation, and appends terminate actions for
// deployed records the manifest no longer produces.
//
// desired is the full set of action keys the manifest expands to before any
// target filtering. A record is only terminated when its key is absent from
// that full set, never because a filter narrowed this run. selectors further
// restrict which of those removals this run actually tears down.
//
// Operations decided here are provisional for actions whose parameters depend
// on upstream outputs or external lookups; the executor re-decides them once
// the resolved values are known.
func (r *Reconciler) Reconcile(ctx context.Context, graph *Graph, m *manifest.Manifest, desired map[string]bool, selectors []string) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{}

	for _, key := range graph.Order {
		action := graph.Actions[key]
		record, err := r.store.GetRecord(ctx, key)
		if err != nil {
			return nil, NewTransientError(
				fmt.Sprintf("failed to read deployed state record for %s", key), err).
				WithCode(ErrCodeInternal).WithAction(key)
		}
		action.Record = record
		action.Operation = r.Decide(record, StaticHash(action))

		switch action.Operation {
		case OperationCreate:
			summary.ToCreate++
		case OperationUpdate:
			summary.ToUpdate++
		case OperationNoop:
			summary.NoChange++
		}
	}

	terminations, err := r.TerminationActions(ctx, graph, m, desired, selectors)
	if err != nil {
		return nil, err
	}
	if err := graph.AppendActions(terminations); err != nil {
		return nil, err
	}

	summary.ToTerminate = len(terminations)
	summary.Total = graph.Size()
	return summary, nil
}

// Decide returns the operation that reconciles one action key against its
// deployed state record. paramHash is the hash of the action's resolved
// parameters; an empty hash means the parameters are not yet resolvable, and
// the decision stays a conservative update.
func (r *Reconciler) Decide(record *StateRecord, paramHash string) OperationKind {
	if record == nil || record.ProvisionedID == "" {
		return OperationCreate
	}
	if record.Tainted || record.LastStatus == ActionStatusFailed {
		return OperationUpdate
	}
	if paramHash == "" || paramHash != record.ParameterHash {
		return OperationUpdate
	}
	return OperationNoop
}

// TerminationActions builds terminate actions for deployed records whose keys
// no longer appear in the desired set. Dependents tear down before the
// records they depended on, and teardown on an account waits for every
// surviving action on that account to finish first.
func (r *Reconciler) TerminationActions(ctx context.Context, graph *Graph, m *manifest.Manifest, desired map[string]bool, selectors []string) ([]*Action, error) {
	records, err := r.store.ListRecords(ctx)
	if err != nil {
		return nil, NewTransientError("failed to list deployed state records", err).
			WithCode(ErrCodeInternal)
	}

	removed := make(map[string]*StateRecord)
	for _, record := range records {
		if !record.Deployed() {
			continue
		}
		if desired[record.Key] {
			continue
		}
		removed[record.Key] = record
	}
	if len(removed) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(removed))
	for key := range removed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	actions := make(map[string]*Action, len(removed))
	for _, key := range keys {
		record := removed[key]
		target := manifest.Target{AccountID: record.AccountID, Region: record.Region}
		if acct := m.AccountByID(record.AccountID); acct != nil {
			target.AccountName = acct.Name
			target.RoleARN = acct.RoleARN
			target.Tags = acct.Tags
		}
		action := &Action{
			Key:       record.Key,
			Section:   record.Section,
			Kind:      record.Kind,
			Product:   record.Product,
			Target:    target,
			Operation: OperationTerminate,
			Record:    record,
		}
		if len(selectors) > 0 && !matchesAnySelector(action, selectors) {
			delete(removed, key)
			continue
		}
		actions[key] = action
	}
	keys = keys[:0]
	for key := range actions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	// A record's recorded dependencies were provisioned before it, so they
	// must outlive it: reverse each recorded edge inside the terminate set.
	for _, key := range keys {
		record := removed[key]
		for _, dep := range record.DependsOn {
			if _, ok := actions[dep]; ok && dep != key {
				actions[dep].DependsOn = append(actions[dep].DependsOn, key)
			}
		}
	}

	// Teardown starts only after the surviving actions it could race with
	// have finished, whatever their outcome: everything on the same account,
	// plus anything still consuming the removed record's outputs.
	for _, key := range keys {
		action := actions[key]
		for _, skey := range graph.Order {
			surviving := graph.Actions[skey]
			if surviving.Target.AccountID == action.Target.AccountID {
				action.OrderAfter = append(action.OrderAfter, skey)
				continue
			}
			for _, src := range surviving.OutputSources {
				if src.ActionKey == key {
					action.OrderAfter = append(action.OrderAfter, skey)
					break
				}
			}
		}
	}

	return orderTerminations(actions, keys, len(graph.Order), graph.Depth)
}

// orderTerminations assigns dispatch order to the terminate set with Kahn's
// algorithm over the reversed recorded edges. Order indexes and levels follow
// the surviving graph's.
func orderTerminations(actions map[string]*Action, keys []string, baseOrder, baseLevel int) ([]*Action, error) {
	inDegree := make(map[string]int, len(actions))
	dependents := make(map[string][]string, len(actions))
	for _, key := range keys {
		inDegree[key] = 0
	}
	for _, key := range keys {
		for _, dep := range actions[key].DependsOn {
			if _, ok := actions[dep]; !ok {
				continue
			}
			inDegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	currentLevel := make([]string, 0)
	for _, key := range keys {
		if inDegree[key] == 0 {
			currentLevel = append(currentLevel, key)
		}
	}

	ordered := make([]*Action, 0, len(actions))
	order := baseOrder
	level := baseLevel
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		nextLevel := make([]string, 0)
		for _, key := range currentLevel {
			action := actions[key]
			action.Order = order
			action.Level = level
			ordered = append(ordered, action)
			order++
			for _, dependent := range dependents[key] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
		level++
	}

	if len(ordered) != len(actions) {
		return nil, NewPermanentError(
			"recorded dependencies of removed products form a cycle", nil).
			WithCode(ErrCodeCycleDetected)
	}
	return ordered, nil
}
