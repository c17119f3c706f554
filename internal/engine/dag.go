package engine

import (
	"container/heap"
	"fmt"

	"github.com/rendis/buildcore/pkg/schema"
)

// Unit is a work unit inside an execution graph. Index is its position in
// the graph's arena, which follows declaration order.
type Unit struct {
	schema.UnitDescriptor
	Index int
}

// Graph is the execution graph for one build: the selected units plus their
// hard-dependency and soft-order edges, stored as index adjacency lists.
type Graph struct {
	units      []*Unit
	index      map[string]int
	deps       [][]int // hard dependencies
	dependents [][]int // reverse of deps
	after      [][]int // soft predecessors
	before     [][]int // reverse of after
	order      []int
}

// BuildGraph validates the declared units and produces an ordered execution
// graph. With targets, only the targets and their hard-dependency closure are
// selected; soft edges never pull a unit in.
func BuildGraph(units []schema.UnitDescriptor, targets ...string) (*Graph, error) {
	if len(units) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "build has no units")
	}

	declared := make(map[string]int, len(units))
	for i, u := range units {
		if u.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unit at index %d has empty ID", i)
		}
		if _, exists := declared[u.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate unit ID: %s", u.ID)
		}
		declared[u.ID] = i
	}

	// Resolve every reference up front; edges are declared hard first, then soft.
	hard := make([][]int, len(units))
	soft := make([][]int, len(units))
	for i, u := range units {
		var err error
		if hard[i], err = resolveRefs(u.ID, u.DependsOn, declared); err != nil {
			return nil, err
		}
		if soft[i], err = resolveRefs(u.ID, u.RunAfter, declared); err != nil {
			return nil, err
		}
	}

	if path := findCycle(units, hard, soft); path != nil {
		return nil, schema.CycleDetected(path)
	}

	selected, err := selectUnits(units, hard, declared, targets)
	if err != nil {
		return nil, err
	}

	g := &Graph{index: make(map[string]int)}
	remap := make(map[int]int, len(units))
	for i := range units {
		if !selected[i] {
			continue
		}
		remap[i] = len(g.units)
		g.index[units[i].ID] = len(g.units)
		g.units = append(g.units, &Unit{UnitDescriptor: units[i], Index: len(g.units)})
	}

	n := len(g.units)
	g.deps = make([][]int, n)
	g.dependents = make([][]int, n)
	g.after = make([][]int, n)
	g.before = make([][]int, n)
	for orig, idx := range remap {
		for _, d := range hard[orig] {
			to := remap[d]
			g.deps[idx] = append(g.deps[idx], to)
			g.dependents[to] = append(g.dependents[to], idx)
		}
		for _, s := range soft[orig] {
			to, ok := remap[s]
			if !ok {
				continue
			}
			g.after[idx] = append(g.after[idx], to)
			g.before[to] = append(g.before[to], idx)
		}
	}
	for i := 0; i < n; i++ {
		sortInts(g.dependents[i])
		sortInts(g.before[i])
	}

	g.order = g.topoOrder()
	return g, nil
}

func resolveRefs(from string, refs []string, declared map[string]int) ([]int, error) {
	out := make([]int, 0, len(refs))
	seen := make(map[int]bool, len(refs))
	for _, ref := range refs {
		idx, ok := declared[ref]
		if !ok {
			return nil, schema.MissingDependency(from, ref)
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out, nil
}

// findCycle runs a depth-first traversal in declaration order, keeping the
// current path on a stack. Reaching a node already on the stack yields the
// cycle from that node back to itself.
func findCycle(units []schema.UnitDescriptor, hard, soft [][]int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(units))
	var stack []int
	var cycle []string

	var visit func(n int) bool
	visit = func(n int) bool {
		state[n] = onStack
		stack = append(stack, n)
		for _, edges := range [][]int{hard[n], soft[n]} {
			for _, m := range edges {
				switch state[m] {
				case onStack:
					start := len(stack) - 1
					for stack[start] != m {
						start--
					}
					for _, idx := range stack[start:] {
						cycle = append(cycle, units[idx].ID)
					}
					return true
				case unvisited:
					if visit(m) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	for i := range units {
		if state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

func selectUnits(units []schema.UnitDescriptor, hard [][]int, declared map[string]int, targets []string) ([]bool, error) {
	selected := make([]bool, len(units))
	if len(targets) == 0 {
		for i := range selected {
			selected[i] = true
		}
		return selected, nil
	}

	var queue []int
	for _, t := range targets {
		idx, ok := declared[t]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "target %q is not a declared unit", t)
		}
		if !selected[idx] {
			selected[idx] = true
			queue = append(queue, idx)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range hard[n] {
			if !selected[d] {
				selected[d] = true
				queue = append(queue, d)
			}
		}
	}
	return selected, nil
}

// topoOrder is Kahn's algorithm over hard and soft edges. Among ready units
// the one declared first goes first.
func (g *Graph) topoOrder() []int {
	n := len(g.units)
	inDegree := make([]int, n)
	for i := 0; i < n; i++ {
		inDegree[i] = len(g.deps[i]) + len(g.after[i])
	}

	ready := &indexHeap{}
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, n)
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		order = append(order, node)
		for _, edges := range [][]int{g.dependents[node], g.before[node]} {
			for _, next := range edges {
				inDegree[next]--
				if inDegree[next] == 0 {
					heap.Push(ready, next)
				}
			}
		}
	}
	return order
}

// Len returns the number of units in the graph.
func (g *Graph) Len() int { return len(g.units) }

// Unit returns the unit with the given id.
func (g *Graph) Unit(id string) (*Unit, bool) {
	idx, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.units[idx], true
}

// Units returns the units in declaration order.
func (g *Graph) Units() []*Unit {
	return append([]*Unit(nil), g.units...)
}

// Order returns the planned execution order as unit ids.
func (g *Graph) Order() []string {
	return g.ids(g.order)
}

// Deps returns the hard dependencies of id in declared order.
func (g *Graph) Deps(id string) []string { return g.edges(g.deps, id) }

// Dependents returns the units that hard-depend on id.
func (g *Graph) Dependents(id string) []string { return g.edges(g.dependents, id) }

// RunAfter returns the soft predecessors of id that are part of the graph.
func (g *Graph) RunAfter(id string) []string { return g.edges(g.after, id) }

func (g *Graph) edges(adj [][]int, id string) []string {
	idx, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(adj[idx])
}

func (g *Graph) ids(idxs []int) []string {
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = g.units[idx].ID
	}
	return out
}

// Levels groups units by hard-dependency depth. Units of one level only
// depend on earlier levels; within a level they keep planned order.
func (g *Graph) Levels() [][]string {
	depth := make([]int, len(g.units))
	maxLevel := 0
	for _, idx := range g.order {
		d := 0
		for _, dep := range g.deps[idx] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[idx] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, idx := range g.order {
		levels[depth[idx]] = append(levels[depth[idx]], g.units[idx].ID)
	}
	return levels
}

// String renders the graph edges for debugging.
func (g *Graph) String() string {
	s := ""
	for _, idx := range g.order {
		s += fmt.Sprintf("%s <- %v ~ %v\n", g.units[idx].ID, g.ids(g.deps[idx]), g.ids(g.after[idx]))
	}
	return s
}

// indexHeap is a min-heap of arena indices.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// sortInts sorts a small slice in place using insertion sort.
func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
