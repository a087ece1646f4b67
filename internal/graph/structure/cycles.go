package structure

import (
	"sort"

	"github.com/danshapiro/cee/internal/graph/model"
)

// Cycle is a directed cycle found by DFS. ClosingEdgeID is the back edge that
// closed it; Nodes runs from the re-entered node to the edge's source.
type Cycle struct {
	Nodes         []string `json:"nodes"`
	ClosingEdgeID string   `json:"closing_edge_id"`

	closing *model.Edge
}

type adjacency map[string][]*model.Edge

// adjacencyOf indexes edges whose endpoints both exist, outgoing lists sorted
// by (to, id) so traversal order is deterministic.
func adjacencyOf(g *model.Graph) (adjacency, []string) {
	idx := g.NodeIndex()
	adj := adjacency{}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := idx[e.From]; !ok {
			continue
		}
		if _, ok := idx[e.To]; !ok {
			continue
		}
		adj[e.From] = append(adj[e.From], e)
	}
	for id := range adj {
		es := adj[id]
		sort.SliceStable(es, func(i, j int) bool {
			if es[i].To != es[j].To {
				return es[i].To < es[j].To
			}
			return es[i].ID < es[j].ID
		})
	}
	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return adj, ids
}

const (
	white = iota
	gray
	black
)

// FindCycles returns one cycle per DFS back edge, self loops included as
// single-node cycles.
func FindCycles(g *model.Graph) []Cycle {
	if g == nil {
		return nil
	}
	adj, ids := adjacencyOf(g)
	color := make(map[string]int, len(ids))
	var stack []string
	var out []Cycle

	var visit func(u string)
	visit = func(u string) {
		color[u] = gray
		stack = append(stack, u)
		for _, e := range adj[u] {
			switch color[e.To] {
			case white:
				visit(e.To)
			case gray:
				start := len(stack) - 1
				for start >= 0 && stack[start] != e.To {
					start--
				}
				nodes := append([]string{}, stack[start:]...)
				out = append(out, Cycle{Nodes: nodes, ClosingEdgeID: e.ID, closing: e})
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
	}
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return out
}

// HasCycle reports whether any directed cycle exists.
func HasCycle(g *model.Graph) bool { return len(FindCycles(g)) > 0 }

// BreakCycles removes cycle-closing edges one at a time until the graph is
// acyclic. Only the exact closing edge is removed; parallel siblings between
// the same endpoints survive unless they close a cycle of their own. Returns
// the ids of removed edges in removal order.
func BreakCycles(g *model.Graph) []string {
	if g == nil {
		return nil
	}
	var removed []string
	for {
		cycles := FindCycles(g)
		if len(cycles) == 0 {
			return removed
		}
		victim := cycles[0].closing
		removed = append(removed, victim.ID)
		edges := g.Edges[:0]
		for _, e := range g.Edges {
			if e != victim {
				edges = append(edges, e)
			}
		}
		g.Edges = edges
	}
}

// TopoOrder returns node ids in Kahn order with lexicographic tie-breaks.
// Nodes on cycles are omitted.
func TopoOrder(g *model.Graph) []string {
	if g == nil {
		return nil
	}
	adj, ids := adjacencyOf(g)
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] += 0
		for _, e := range adj[id] {
			indeg[e.To]++
		}
	}
	var ready []string
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, e := range adj[cur] {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	return order
}
