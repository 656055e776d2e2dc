// Package dag models the type-level dependency graph built from a compiled
// schema: one node per entity type, one edge per forward relation field
// whose resolution may require generating a related entity.
package dag

import (
	"fmt"
	"sort"

	loomerrors "loom/pkg/errors"
)

// Edge is one directed dependency: From has a relation field that may
// require creating an entity of type To. Mandatory edges (forward exact,
// non-optional) are the only ones that make a cycle fatal.
type Edge struct {
	From      string
	To        string
	Field     string
	Mandatory bool
}

// Graph is an adjacency-list dependency graph. Node order follows
// declaration order and drives every deterministic tie-break.
type Graph struct {
	nodes []string
	index map[string]int
	out   map[string][]Edge
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		out:   make(map[string][]Edge),
	}
}

// AddNode registers a type. Duplicates are rejected.
func (g *Graph) AddNode(name string) error {
	if _, ok := g.index[name]; ok {
		return fmt.Errorf("duplicate node: %s", name)
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, name)
	return nil
}

// AddEdge records that from depends on to. Both nodes must exist.
func (g *Graph) AddEdge(from, to, field string, mandatory bool) error {
	if _, ok := g.index[from]; !ok {
		return fmt.Errorf("unknown node: %s", from)
	}
	if _, ok := g.index[to]; !ok {
		return fmt.Errorf("unknown node: %s", to)
	}
	g.out[from] = append(g.out[from], Edge{From: from, To: to, Field: field, Mandatory: mandatory})
	return nil
}

// Nodes returns the node names in declaration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns all edges of the graph.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, n := range g.nodes {
		out = append(out, g.out[n]...)
	}
	return out
}

// depSets returns, per node, the set of nodes it depends on, restricted to
// the given edge filter. Self-loops are kept so cycle checks see them.
func (g *Graph) depSets(include func(Edge) bool) map[string]map[string]struct{} {
	deps := make(map[string]map[string]struct{}, len(g.nodes))
	for _, n := range g.nodes {
		deps[n] = make(map[string]struct{})
	}
	for _, n := range g.nodes {
		for _, e := range g.out[n] {
			if include(e) {
				deps[n][e.To] = struct{}{}
			}
		}
	}
	return deps
}

// TopologicalSort returns the types in creation order: every type appears
// after all of its dependencies. Kahn's algorithm; when several nodes are
// ready the earliest-declared wins. Cycles through non-mandatory edges are
// broken silently; a cycle left over through mandatory edges only is fatal.
func (g *Graph) TopologicalSort() ([]string, error) {
	deps := g.depSets(func(Edge) bool { return true })
	done := make(map[string]bool, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	relaxed := false
	for len(order) < len(g.nodes) {
		next := ""
		for _, n := range g.nodes {
			if !done[n] && len(deps[n]) == 0 {
				next = n
				break
			}
		}
		if next == "" {
			if !relaxed {
				// Stuck on a cycle: drop non-mandatory edges between the
				// remaining nodes and keep going. These are lazily resolved
				// at runtime, so they do not constrain creation order.
				relaxed = true
				mandatory := g.depSets(func(e Edge) bool { return e.Mandatory })
				for _, n := range g.nodes {
					if !done[n] {
						kept := make(map[string]struct{})
						for d := range mandatory[n] {
							if !done[d] {
								kept[d] = struct{}{}
							}
						}
						deps[n] = kept
					}
				}
				continue
			}
			cycles := g.DetectCycles(CycleOptions{})
			if len(cycles) == 0 {
				// Defensive: stuck but no mandatory cycle reported.
				cycles = g.DetectCycles(CycleOptions{IncludeOptional: true})
			}
			var path []string
			if len(cycles) > 0 {
				path = cycles[0]
			}
			return nil, loomerrors.NewCircularDependencyError(path)
		}
		done[next] = true
		order = append(order, next)
		for _, n := range g.nodes {
			delete(deps[n], next)
		}
	}
	return order, nil
}

// ParallelGroups returns a layered ordering: group i contains every type
// whose dependencies are fully contained in groups 0..i-1. Types within a
// group have no mutual dependency and may be generated concurrently.
func (g *Graph) ParallelGroups() ([][]string, error) {
	// Validate mandatory acyclicity first so layering terminates.
	if err := g.Validate(); err != nil {
		return nil, err
	}

	deps := g.depSets(func(Edge) bool { return true })
	done := make(map[string]bool, len(g.nodes))
	var groups [][]string

	relaxed := false
	for remaining := len(g.nodes); remaining > 0; {
		var group []string
		for _, n := range g.nodes {
			if !done[n] && len(deps[n]) == 0 {
				group = append(group, n)
			}
		}
		if len(group) == 0 && !relaxed {
			// A cycle through lazily-resolved edges: keep only mandatory
			// dependencies between the remaining nodes and continue.
			relaxed = true
			mandatory := g.depSets(func(e Edge) bool { return e.Mandatory })
			for _, n := range g.nodes {
				if !done[n] {
					kept := make(map[string]struct{})
					for d := range mandatory[n] {
						if !done[d] {
							kept[d] = struct{}{}
						}
					}
					deps[n] = kept
				}
			}
			continue
		}
		if len(group) == 0 {
			// Unreachable after Validate, but never loop forever.
			return nil, loomerrors.NewCircularDependencyError(nil)
		}
		for _, n := range group {
			done[n] = true
			for _, m := range g.nodes {
				delete(deps[m], n)
			}
		}
		groups = append(groups, group)
		remaining -= len(group)
	}
	return groups, nil
}

// CycleOptions controls which edges participate in cycle detection.
type CycleOptions struct {
	// IncludeOptional includes optional and fuzzy edges. By default only
	// mandatory edges are considered, because those are the break points
	// the cascade resolves lazily.
	IncludeOptional bool
}

// DetectCycles returns every cycle found over the selected edge subset.
// Each cycle path ends with its first node repeated.
func (g *Graph) DetectCycles(opts CycleOptions) [][]string {
	include := func(e Edge) bool { return e.Mandatory }
	if opts.IncludeOptional {
		include = func(Edge) bool { return true }
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	onStack := make(map[string]int)
	var cycles [][]string

	var visit func(n string)
	visit = func(n string) {
		color[n] = gray
		onStack[n] = len(stack)
		stack = append(stack, n)

		for _, e := range g.sortedEdges(n) {
			if !include(e) {
				continue
			}
			switch color[e.To] {
			case white:
				visit(e.To)
			case gray:
				start := onStack[e.To]
				cycle := make([]string, 0, len(stack)-start+1)
				cycle = append(cycle, stack[start:]...)
				cycle = append(cycle, e.To)
				cycles = append(cycles, cycle)
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, n)
		color[n] = black
	}

	for _, n := range g.nodes {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}

// HasCycles reports whether any cycle exists, counting every edge.
func (g *Graph) HasCycles() bool {
	return len(g.DetectCycles(CycleOptions{IncludeOptional: true})) > 0
}

// Validate returns a CircularDependencyError when the graph contains a
// cycle made entirely of mandatory edges.
func (g *Graph) Validate() error {
	if cycles := g.DetectCycles(CycleOptions{}); len(cycles) > 0 {
		return loomerrors.NewCircularDependencyError(cycles[0])
	}
	return nil
}

// AllDependencies returns the transitive closure of a type's dependencies,
// in breadth-first declaration order.
func (g *Graph) AllDependencies(name string) ([]string, error) {
	if _, ok := g.index[name]; !ok {
		return nil, fmt.Errorf("unknown node: %s", name)
	}

	seen := map[string]bool{name: true}
	queue := []string{name}
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range g.sortedEdges(n) {
			if !seen[e.To] {
				seen[e.To] = true
				out = append(out, e.To)
				queue = append(queue, e.To)
			}
		}
	}
	return out, nil
}

// sortedEdges returns a node's outgoing edges ordered by target declaration
// index, so traversal order is deterministic.
func (g *Graph) sortedEdges(n string) []Edge {
	edges := make([]Edge, len(g.out[n]))
	copy(edges, g.out[n])
	sort.SliceStable(edges, func(i, j int) bool {
		return g.index[edges[i].To] < g.index[edges[j].To]
	})
	return edges
}
