package workflow

import (
	"sort"
)

// graph is the scheduling view of a definition: adjacency, in-degrees
// and the level grouping used for dispatch. Built once per run.
type graph struct {
	nodes    map[string]*Node
	succ     map[string][]string
	pred     map[string][]string
	inDegree map[string]int
	// levels groups nodes by dependency depth; nodes within one level are
	// mutually independent. Each level is sorted by node ID.
	levels [][]string
	// inputs holds the incoming edges per node, ordered by ToInputIndex.
	inputs map[string][]Edge
	leaves []string
}

// newGraph builds the scheduling view and proves acyclicity. On a cycle
// it returns a *CycleError naming the unsortable nodes.
func newGraph(def *Definition) (*graph, error) {
	g := &graph{
		nodes:    make(map[string]*Node, len(def.Nodes)),
		succ:     make(map[string][]string),
		pred:     make(map[string][]string),
		inDegree: make(map[string]int),
		inputs:   make(map[string][]Edge),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		g.nodes[n.ID] = n
		g.inDegree[n.ID] = 0
	}

	for _, e := range def.Edges {
		if _, ok := g.nodes[e.FromNodeID]; !ok {
			continue
		}
		if _, ok := g.nodes[e.ToNodeID]; !ok {
			continue
		}
		g.succ[e.FromNodeID] = append(g.succ[e.FromNodeID], e.ToNodeID)
		g.pred[e.ToNodeID] = append(g.pred[e.ToNodeID], e.FromNodeID)
		g.inDegree[e.ToNodeID]++
		g.inputs[e.ToNodeID] = append(g.inputs[e.ToNodeID], e)
	}

	for id, edges := range g.inputs {
		sorted := edges
		sort.SliceStable(sorted, func(a, b int) bool {
			return sorted[a].ToInputIndex < sorted[b].ToInputIndex
		})
		g.inputs[id] = sorted
	}

	levels, err := g.computeLevels()
	if err != nil {
		return nil, err
	}
	g.levels = levels

	for id := range g.nodes {
		if len(g.succ[id]) == 0 {
			g.leaves = append(g.leaves, id)
		}
	}
	sort.Strings(g.leaves)

	return g, nil
}

// computeLevels is Kahn's algorithm grouped by depth. Ties within a level
// break by node ID for a stable dispatch order.
func (g *graph) computeLevels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for k, v := range g.inDegree {
		inDegree[k] = v
	}

	var levels [][]string
	remaining := len(g.nodes)

	for remaining > 0 {
		var level []string
		for id, degree := range inDegree {
			if degree == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			var stuck []string
			for id := range inDegree {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, &CycleError{Nodes: stuck}
		}
		sort.Strings(level)

		for _, id := range level {
			delete(inDegree, id)
			for _, next := range g.succ[id] {
				inDegree[next]--
			}
			remaining--
		}
		levels = append(levels, level)
	}

	return levels, nil
}

// predecessors returns the nodes feeding id, sorted.
func (g *graph) predecessors(id string) []string {
	out := make([]string, len(g.pred[id]))
	copy(out, g.pred[id])
	sort.Strings(out)
	return out
}

func (g *graph) nodeCount() int { return len(g.nodes) }
