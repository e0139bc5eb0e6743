package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Resolver computes the final parameter values for actions.
//
// Resolution works per parameter name and walks a fixed precedence ladder:
//
//  1. Literal manifest values, most specific layer first: section value,
//     then account parameters, then manifest-wide defaults.
//  2. Upstream action outputs (from_output declarations).
//  3. External lookups (from_lookup declarations).
//  4. Schema defaults.
//
// A required parameter that reaches the bottom of the ladder without a value
// fails with MISSING_PARAMETER. An output reference whose upstream action did
// not succeed, or did not produce the referenced key, fails with
// UNRESOLVED_DEPENDENCY.
type Resolver struct {
	lookups LookupResolver
	store   StateStore
}

// NewResolver creates a parameter resolver. The store is consulted for
// recorded outputs when an upstream action is not part of the current run.
func NewResolver(lookups LookupResolver, store StateStore) *Resolver {
	return &Resolver{lookups: lookups, store: store}
}

// Resolve computes the parameter map for one action. The upstream map holds
// the terminal results of the action's require dependencies from this run.
func (r *Resolver) Resolve(ctx context.Context, action *Action, upstream map[string]*ActionResult) (map[string]string, error) {
	names := parameterNames(action)
	params := make(map[string]string, len(names))

	for _, name := range names {
		value, found, err := r.resolveOne(ctx, action, name, upstream)
		if err != nil {
			return nil, err
		}
		if found {
			params[name] = value
			continue
		}
		schema, ok := action.Schema[name]
		if ok && schema.Required {
			return nil, NewPermanentError(
				fmt.Sprintf("required parameter %s has no value", name), nil).
				WithCode(ErrCodeMissingParameter).WithAction(action.Key)
		}
	}
	return params, nil
}

// resolveOne walks the precedence ladder for a single parameter.
func (r *Resolver) resolveOne(ctx context.Context, action *Action, name string, upstream map[string]*ActionResult) (string, bool, error) {
	decl, declared := action.Parameters[name]

	if declared && decl.Value != nil {
		return *decl.Value, true, nil
	}
	if v, ok := action.Target.Parameters[name]; ok {
		return v, true, nil
	}
	if v, ok := action.Defaults[name]; ok {
		return v, true, nil
	}

	if declared && decl.FromOutput != nil {
		v, err := r.resolveOutput(ctx, action, name, upstream)
		if err != nil {
			return "", false, err
		}
		return v, true, nil
	}

	if declared && decl.FromLookup != nil {
		v, err := r.lookups.Lookup(ctx, *decl.FromLookup)
		if err != nil {
			return "", false, wrapLookupError(err, decl.FromLookup.Path, action.Key)
		}
		return v, true, nil
	}

	if schema, ok := action.Schema[name]; ok && schema.Default != nil {
		return *schema.Default, true, nil
	}
	return "", false, nil
}

// resolveOutput reads an upstream output, preferring this run's result and
// falling back to the upstream's deployed state record when the upstream was
// not part of the run.
func (r *Resolver) resolveOutput(ctx context.Context, action *Action, name string, upstream map[string]*ActionResult) (string, error) {
	src, ok := action.OutputSources[name]
	if !ok {
		return "", NewPermanentError(
			fmt.Sprintf("parameter %s has no bound output source", name), nil).
			WithCode(ErrCodeInternal).WithAction(action.Key)
	}

	if result, ok := upstream[src.ActionKey]; ok {
		if result.Status != ActionStatusSucceeded {
			return "", NewPermanentError(
				fmt.Sprintf("output %s of %s is not available: dependency did not succeed", src.Output, src.ActionKey), nil).
				WithCode(ErrCodeUnresolvedDependency).WithAction(action.Key)
		}
		if v, ok := result.Outputs[src.Output]; ok {
			return v, nil
		}
		return "", NewPermanentError(
			fmt.Sprintf("dependency %s produced no output %s", src.ActionKey, src.Output), nil).
			WithCode(ErrCodeUnresolvedDependency).WithAction(action.Key)
	}

	record, err := r.store.GetRecord(ctx, src.ActionKey)
	if err != nil {
		return "", NewTransientError(
			fmt.Sprintf("failed to read record for %s", src.ActionKey), err).
			WithCode(ErrCodeUnresolvedDependency).WithAction(action.Key)
	}
	if record == nil || !record.Deployed() {
		return "", NewPermanentError(
			fmt.Sprintf("output %s of %s is not available: no deployed record", src.Output, src.ActionKey), nil).
			WithCode(ErrCodeUnresolvedDependency).WithAction(action.Key)
	}
	if v, ok := record.Outputs[src.Output]; ok {
		return v, nil
	}
	return "", NewPermanentError(
		fmt.Sprintf("record for %s has no output %s", src.ActionKey, src.Output), nil).
		WithCode(ErrCodeUnresolvedDependency).WithAction(action.Key)
}

// parameterNames returns the union of schema and section parameter names,
// sorted for deterministic resolution and hashing.
func parameterNames(action *Action) []string {
	set := make(map[string]bool, len(action.Schema)+len(action.Parameters))
	for name := range action.Schema {
		set[name] = true
	}
	for name := range action.Parameters {
		set[name] = true
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wrapLookupError preserves the classification of lookup failures so
// transient source errors stay retryable.
func wrapLookupError(err error, path, actionKey string) error {
	var e *EngineError
	if errors.As(err, &e) {
		return &EngineError{
			Class:   e.Class,
			Message: fmt.Sprintf("lookup %s failed", path),
			Code:    ErrCodeLookupFailed,
			Action:  actionKey,
			Err:     err,
		}
	}
	return NewPermanentError(fmt.Sprintf("lookup %s failed", path), err).
		WithCode(ErrCodeLookupFailed).WithAction(actionKey)
}

// StaticHash resolves an action's parameters from manifest literals and
// schema defaults alone and hashes the result. It returns the empty string
// when any parameter needs an upstream output or external lookup, since those
// values are only known at execution time.
func StaticHash(action *Action) string {
	names := parameterNames(action)
	params := make(map[string]string, len(names))

	for _, name := range names {
		decl, declared := action.Parameters[name]
		if declared && decl.Value != nil {
			params[name] = *decl.Value
			continue
		}
		if v, ok := action.Target.Parameters[name]; ok {
			params[name] = v
			continue
		}
		if v, ok := action.Defaults[name]; ok {
			params[name] = v
			continue
		}
		if declared && (decl.FromOutput != nil || decl.FromLookup != nil) {
			return ""
		}
		if schema, ok := action.Schema[name]; ok && schema.Default != nil {
			params[name] = *schema.Default
		}
	}
	return HashParameters(params)
}

// HashParameters returns a stable hash of resolved parameters. The hash is
// stored on the deployed state record and drives update detection.
func HashParameters(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(params[name])
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
