package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openfleet/openfleet/pkg/manifest"
)

// GraphBuilder expands a manifest into the action dependency graph.
// It derives edges from explicit dependencies, output references, and the
// account ordering rule, detects cycles, and computes a stable dispatch order.
type GraphBuilder struct {
	// actions maps action keys to their actions
	actions map[string]*Action

	// declIndex maps action keys to manifest declaration order
	declIndex map[string]int

	// bySection maps section names to their action keys in target order
	bySection map[string][]string

	// adjacencyList maps action keys to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps action keys to their require dependencies
	reverseAdjacencyList map[string][]string

	// reverseOrderList maps action keys to their order-only predecessors
	reverseOrderList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// edgeSet deduplicates edges
	edgeSet map[string]bool

	// levels maps execution level to action keys at that level
	levels [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		actions:              make(map[string]*Action),
		declIndex:            make(map[string]int),
		bySection:            make(map[string][]string),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		reverseOrderList:     make(map[string][]string),
		inDegree:             make(map[string]int),
		edgeSet:              make(map[string]bool),
		levels:               make([][]string, 0),
	}
}

// Build expands the manifest into an action graph. It is a pure
// transformation: the same manifest always produces the same graph, and no
// remote or store calls are made.
func (b *GraphBuilder) Build(m *manifest.Manifest) (*Graph, error) {
	if err := m.Validate(); err != nil {
		var refErr *manifest.ReferenceError
		if errors.As(err, &refErr) {
			return nil, NewPermanentError(refErr.Error(), nil).
				WithCode(ErrCodeUnknownReference)
		}
		return nil, NewPermanentError("manifest validation failed", err).
			WithCode(ErrCodeValidation)
	}

	if err := b.expand(m); err != nil {
		return nil, err
	}
	if err := b.buildEdges(m); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.buildGraph(), nil
}

// expand turns every section/target combination into one action.
// Sections are visited in declaration order, baselines before launches, so
// declaration indexes are stable across builds.
func (b *GraphBuilder) expand(m *manifest.Manifest) error {
	decl := 0
	for _, group := range []struct {
		kind     SectionKind
		sections []manifest.Section
	}{
		{SectionKindBaseline, m.Baselines},
		{SectionKindLaunch, m.Launches},
	} {
		for i := range group.sections {
			s := &group.sections[i]
			p := m.ProductByName(s.Product)
			targets, err := m.ResolveTargets(s)
			if err != nil {
				return NewPermanentError(err.Error(), nil).WithCode(ErrCodeUnknownReference)
			}
			for _, tgt := range targets {
				key := ActionKey(group.kind, s.Name, tgt.AccountID, tgt.Region)
				if _, exists := b.actions[key]; exists {
					return NewPermanentError(fmt.Sprintf("duplicate action key: %s", key), nil).
						WithCode(ErrCodeValidation)
				}
				action := &Action{
					Key:        key,
					Section:    s.Name,
					Kind:       group.kind,
					Product:    ProductRef{Name: p.Name, Portfolio: p.Portfolio, Version: p.Version},
					Target:     tgt,
					Parameters: s.Parameters,
					Schema:     p.Parameters,
					Defaults:   m.Defaults.Parameters,
					Outputs:    s.Outputs,
				}
				b.actions[key] = action
				b.declIndex[key] = decl
				decl++
				b.bySection[s.Name] = append(b.bySection[s.Name], key)
				b.adjacencyList[key] = make([]string, 0)
				b.reverseAdjacencyList[key] = make([]string, 0)
				b.inDegree[key] = 0
			}
		}
	}
	return nil
}

// buildEdges derives dependency edges from the three edge sources: explicit
// depends_on declarations, output references, and the account ordering rule.
func (b *GraphBuilder) buildEdges(m *manifest.Manifest) error {
	for _, key := range b.orderedKeys() {
		a := b.actions[key]
		s := m.SectionByName(a.Section)

		for _, dep := range s.DependsOn {
			for _, upstream := range b.affineKeys(dep.Name, dep.Affinity, a) {
				b.addEdge(upstream, key)
			}
		}

		for name, pv := range a.Parameters {
			if pv.FromOutput == nil {
				continue
			}
			upstream, err := b.resolveOutputRef(a, pv.FromOutput)
			if err != nil {
				return err
			}
			if a.OutputSources == nil {
				a.OutputSources = make(map[string]OutputSource)
			}
			a.OutputSources[name] = OutputSource{ActionKey: upstream, Output: pv.FromOutput.Output}
			b.addEdge(upstream, key)
		}
	}

	// Account ordering only sequences baselines before launches; it must not
	// require their success, so launches without a declared dependency on a
	// baseline survive that baseline failing.
	if m.AccountsFirst() {
		for _, key := range b.orderedKeys() {
			a := b.actions[key]
			if a.Kind != SectionKindLaunch {
				continue
			}
			for _, bkey := range b.orderedKeys() {
				base := b.actions[bkey]
				if base.Kind == SectionKindBaseline && base.Target.AccountID == a.Target.AccountID {
					b.addOrderEdge(bkey, key)
				}
			}
		}
	}
	return nil
}

// affineKeys returns the keys of the dependency section's actions that the
// given affinity binds to the dependent action.
func (b *GraphBuilder) affineKeys(section, affinity string, dependent *Action) []string {
	var keys []string
	for _, key := range b.bySection[section] {
		upstream := b.actions[key]
		switch affinity {
		case manifest.AffinityAccount:
			if upstream.Target.AccountID != dependent.Target.AccountID {
				continue
			}
		case manifest.AffinityRegion:
			if upstream.Target.Region != dependent.Target.Region {
				continue
			}
		case manifest.AffinityTarget:
			if upstream.Target.AccountID != dependent.Target.AccountID ||
				upstream.Target.Region != dependent.Target.Region {
				continue
			}
		}
		keys = append(keys, key)
	}
	return keys
}

// resolveOutputRef binds an output reference to a concrete upstream action.
// The action on the same target wins; otherwise the reference must expand to
// exactly one action.
func (b *GraphBuilder) resolveOutputRef(a *Action, ref *manifest.OutputRef) (string, error) {
	keys := b.bySection[ref.Section]
	for _, key := range keys {
		upstream := b.actions[key]
		if upstream.Target.AccountID == a.Target.AccountID && upstream.Target.Region == a.Target.Region {
			return key, nil
		}
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	if len(keys) == 0 {
		return "", NewPermanentError(
			fmt.Sprintf("output reference %s.%s in %s resolves to no deployment", ref.Section, ref.Output, a.Key),
			nil,
		).WithCode(ErrCodeUnknownReference).WithAction(a.Key)
	}
	return "", NewPermanentError(
		fmt.Sprintf("output reference %s.%s in %s is ambiguous across %d targets", ref.Section, ref.Output, a.Key, len(keys)),
		nil,
	).WithCode(ErrCodeUnknownReference).WithAction(a.Key)
}

// addEdge records a require edge from a dependency to its dependent.
func (b *GraphBuilder) addEdge(from, to string) {
	if !b.trackEdge(from, to) {
		return
	}
	b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
}

// addOrderEdge records an order-only edge: the predecessor must be terminal
// before the successor dispatches, but its failure does not cascade. A pair
// already connected by a require edge keeps the stronger semantics.
func (b *GraphBuilder) addOrderEdge(from, to string) {
	if !b.trackEdge(from, to) {
		return
	}
	b.reverseOrderList[to] = append(b.reverseOrderList[to], from)
}

// trackEdge dedupes the edge and registers it with the shared adjacency,
// so cycle detection and leveling see require and order edges alike.
func (b *GraphBuilder) trackEdge(from, to string) bool {
	if from == to {
		return false
	}
	id := from + "->" + to
	if b.edgeSet[id] {
		return false
	}
	b.edgeSet[id] = true
	b.adjacencyList[from] = append(b.adjacencyList[from], to)
	b.inDegree[to]++
	return true
}

// orderedKeys returns all action keys in declaration order.
func (b *GraphBuilder) orderedKeys() []string {
	keys := make([]string, 0, len(b.actions))
	for key := range b.actions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return b.declIndex[keys[i]] < b.declIndex[keys[j]]
	})
	return keys
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, key := range b.orderedKeys() {
		if !visited[key] {
			if cycle, err := b.detectCyclesUtil(key, visited, recStack, path); err != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					err,
				).WithCode(ErrCodeCycleDetected)
			}
		}
	}
	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (b *GraphBuilder) detectCyclesUtil(
	key string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[key] = true
	recStack[key] = true
	path = append(path, key)

	for _, dependent := range b.adjacencyList[key] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[key] = false
	return nil, nil
}

// computeLevels assigns execution levels using Kahn's algorithm. Keys within
// a level are sorted by declaration index, which makes the dispatch order
// deterministic for a given manifest.
func (b *GraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int)
	for key, degree := range b.inDegree {
		inDegreeCopy[key] = degree
	}

	currentLevel := make([]string, 0)
	for _, key := range b.orderedKeys() {
		if inDegreeCopy[key] == 0 {
			currentLevel = append(currentLevel, key)
		}
	}
	if len(currentLevel) == 0 && len(b.actions) > 0 {
		return NewPermanentError("no root actions found - all actions have dependencies", nil).
			WithCode(ErrCodeCycleDetected)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Slice(currentLevel, func(i, j int) bool {
			return b.declIndex[currentLevel[i]] < b.declIndex[currentLevel[j]]
		})
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, key := range currentLevel {
			for _, dependent := range b.adjacencyList[key] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if processedCount != len(b.actions) {
		return NewPermanentError("failed to process all actions - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// buildGraph creates the final Graph structure and assigns order indexes.
func (b *GraphBuilder) buildGraph() *Graph {
	graph := &Graph{
		Actions:    b.actions,
		Order:      make([]string, 0, len(b.actions)),
		Dependents: make(map[string][]string, len(b.actions)),
		Roots:      make([]string, 0),
		Depth:      len(b.levels),
	}

	order := 0
	for level, keys := range b.levels {
		for _, key := range keys {
			action := b.actions[key]
			action.Level = level
			action.Order = order
			action.DependsOn = b.reverseAdjacencyList[key]
			action.OrderAfter = b.reverseOrderList[key]
			graph.Order = append(graph.Order, key)
			graph.Dependents[key] = b.adjacencyList[key]
			if level == 0 {
				graph.Roots = append(graph.Roots, key)
			}
			order++
		}
	}
	return graph
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// Filter returns a copy of the graph restricted to actions matching any of
// the selectors. Edges to pruned actions are dropped; output references to
// pruned actions fall back to their recorded outputs at resolution time.
func (g *Graph) Filter(selectors []string) *Graph {
	if len(selectors) == 0 {
		return g
	}
	kept := make(map[string]bool)
	for _, key := range g.Order {
		if matchesAnySelector(g.Actions[key], selectors) {
			kept[key] = true
		}
	}

	filtered := &Graph{
		Actions:    make(map[string]*Action, len(kept)),
		Order:      make([]string, 0, len(kept)),
		Dependents: make(map[string][]string),
		Roots:      make([]string, 0),
		Depth:      g.Depth,
	}
	for _, key := range g.Order {
		if !kept[key] {
			continue
		}
		a := *g.Actions[key]
		a.DependsOn = keepKeys(a.DependsOn, kept)
		a.OrderAfter = keepKeys(a.OrderAfter, kept)
		filtered.Actions[key] = &a
		filtered.Order = append(filtered.Order, key)
		filtered.Dependents[key] = keepKeys(g.Dependents[key], kept)
		if len(a.DependsOn) == 0 && len(a.OrderAfter) == 0 {
			filtered.Roots = append(filtered.Roots, key)
		}
	}
	return filtered
}

// matchesAnySelector reports whether the action matches any target selector.
// Selectors take the form section:<name>, account:<id>, region:<region>, or
// tag:<tag>; a bare value matches the section name.
func matchesAnySelector(a *Action, selectors []string) bool {
	for _, sel := range selectors {
		kind, value := "section", sel
		if idx := strings.IndexByte(sel, ':'); idx >= 0 {
			kind, value = sel[:idx], sel[idx+1:]
		}
		switch kind {
		case "section":
			if a.Section == value {
				return true
			}
		case "account":
			if a.Target.AccountID == value {
				return true
			}
		case "region":
			if a.Target.Region == value {
				return true
			}
		case "tag":
			for _, t := range a.Target.Tags {
				if t == value {
					return true
				}
			}
		}
	}
	return false
}

func keepKeys(keys []string, kept map[string]bool) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if kept[k] {
			out = append(out, k)
		}
	}
	return out
}

// AppendActions adds reconciler-built actions (terminations) to the graph.
// Appended actions keep their pre-assigned order indexes, which must follow
// the existing ones.
func (g *Graph) AppendActions(actions []*Action) error {
	for _, a := range actions {
		if _, exists := g.Actions[a.Key]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate action key: %s", a.Key), nil).
				WithCode(ErrCodeValidation)
		}
		g.Actions[a.Key] = a
		g.Order = append(g.Order, a.Key)
		for _, dep := range a.DependsOn {
			g.Dependents[dep] = append(g.Dependents[dep], a.Key)
		}
		for _, dep := range a.OrderAfter {
			g.Dependents[dep] = append(g.Dependents[dep], a.Key)
		}
		if len(a.DependsOn) == 0 && len(a.OrderAfter) == 0 {
			g.Roots = append(g.Roots, a.Key)
		}
		if a.Level >= g.Depth {
			g.Depth = a.Level + 1
		}
	}
	return nil
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DeploymentGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byLevel := make(map[int][]string)
	maxLevel := 0
	for _, key := range g.Order {
		level := g.Actions[key].Level
		byLevel[level] = append(byLevel[level], key)
		if level > maxLevel {
			maxLevel = level
		}
	}

	for level := 0; level <= maxLevel; level++ {
		keys := byLevel[level]
		if len(keys) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			a := g.Actions[key]
			label := fmt.Sprintf("%s\\n%s/%s\\n%s", a.Section, a.Target.AccountID, a.Target.Region, a.Operation)
			color := getOperationColor(a.Operation)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				key, label, color))
		}
		sb.WriteString("  }\n\n")
	}

	for _, key := range g.Order {
		a := g.Actions[key]
		for _, dep := range a.DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=solid, color=black];\n", dep, key))
		}
		for _, dep := range a.OrderAfter {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=dotted, color=gray];\n", dep, key))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// getOperationColor returns a color for visualizing operation kinds.
func getOperationColor(op OperationKind) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationTerminate:
		return "lightcoral"
	case OperationNoop:
		return "lightgray"
	default:
		return "white"
	}
}

// ValidateGraph performs consistency checks on a built graph.
func ValidateGraph(g *Graph) error {
	if len(g.Order) != len(g.Actions) {
		return NewPermanentError("graph order does not cover all actions", nil).
			WithCode(ErrCodeInternal)
	}
	for _, key := range g.Order {
		a, exists := g.Actions[key]
		if !exists {
			return NewPermanentError(fmt.Sprintf("order references non-existent action: %s", key), nil).
				WithCode(ErrCodeInternal)
		}
		for _, dep := range a.DependsOn {
			if _, exists := g.Actions[dep]; !exists {
				return NewPermanentError(fmt.Sprintf("action %s depends on non-existent action %s", key, dep), nil).
					WithCode(ErrCodeInternal)
			}
		}
	}
	for _, root := range g.Roots {
		a := g.Actions[root]
		if len(a.DependsOn) > 0 || len(a.OrderAfter) > 0 {
			return NewPermanentError(fmt.Sprintf("root action %s has dependencies", root), nil).
				WithCode(ErrCodeInternal)
		}
	}
	return nil
}
