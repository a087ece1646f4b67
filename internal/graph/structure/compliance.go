package structure

import (
	"fmt"
	"sort"

	"github.com/danshapiro/cee/internal/graph/model"
)

// Limits caps graph size. Zero means unlimited.
type Limits struct {
	MaxNodes int
	MaxEdges int
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Layout struct {
	Roots     []string            `json:"roots"`
	Leaves    []string            `json:"leaves"`
	Positions map[string]Position `json:"positions"`
}

type ComplianceReport struct {
	Graph            *model.Graph
	Layout           Layout
	DroppedEdges     []string
	PrunedNodes      []string
	BrokenCycleEdges []string
	CappedNodes      []string
	CappedEdges      []string
}

// EnforceCompliance returns a canonical, acyclic, capped copy of g. The input
// is not modified. Applying it to its own output is a no-op.
func EnforceCompliance(g *model.Graph, lim Limits) ComplianceReport {
	out := g.Clone()
	if out == nil {
		out = &model.Graph{}
	}
	var rep ComplianceReport
	dedupeNodes(out)
	rep.DroppedEdges = DropInvalidEdges(out, false)

	AssignStableEdgeIDs(out)
	SortNodes(out)
	SortEdges(out)

	// Prune before breaking cycles so no break is spent on a node about to go.
	rep.PrunedNodes = PruneIsolated(out)
	rep.BrokenCycleEdges = BreakCycles(out)

	rep.CappedNodes = CapNodes(out, lim.MaxNodes)
	rep.CappedEdges = CapEdges(out, lim.MaxEdges)
	rep.PrunedNodes = append(rep.PrunedNodes, PruneIsolated(out)...)

	// Ordinals may have gaps after removals.
	AssignStableEdgeIDs(out)
	SortEdges(out)

	rep.Graph = out
	rep.Layout = ComputeLayout(out)
	return rep
}

// dedupeNodes keeps the first node for each id and drops nil entries.
func dedupeNodes(g *model.Graph) []string {
	seen := map[string]bool{}
	var dropped []string
	nodes := g.Nodes[:0]
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if seen[n.ID] {
			dropped = append(dropped, n.ID)
			continue
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
	}
	g.Nodes = nodes
	return dropped
}

// DropInvalidEdges removes edges whose endpoints do not exist. When
// keepSelfLoops is false self loops are removed as well. Returns a
// description of each removed edge.
func DropInvalidEdges(g *model.Graph, keepSelfLoops bool) []string {
	if g == nil {
		return nil
	}
	idx := g.NodeIndex()
	var dropped []string
	edges := g.Edges[:0]
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		_, okFrom := idx[e.From]
		_, okTo := idx[e.To]
		if !okFrom || !okTo || (!keepSelfLoops && e.From == e.To) {
			dropped = append(dropped, edgeRef(e))
			continue
		}
		edges = append(edges, e)
	}
	g.Edges = edges
	return dropped
}

func edgeRef(e *model.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.From + "->" + e.To
}

// PruneIsolated removes nodes that are neither source nor target of any edge.
func PruneIsolated(g *model.Graph) []string {
	if g == nil {
		return nil
	}
	touched := map[string]bool{}
	for _, e := range g.Edges {
		if e != nil {
			touched[e.From] = true
			touched[e.To] = true
		}
	}
	var pruned []string
	nodes := g.Nodes[:0]
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if !touched[n.ID] {
			pruned = append(pruned, n.ID)
			continue
		}
		nodes = append(nodes, n)
	}
	g.Nodes = nodes
	return pruned
}

// CapNodes keeps at most max nodes: goal nodes first, then ascending id.
// Edges touching removed nodes are dropped.
func CapNodes(g *model.Graph, max int) []string {
	if g == nil || max <= 0 || len(g.Nodes) <= max {
		return nil
	}
	ranked := append([]*model.Node{}, g.Nodes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		gi, gj := ranked[i].Kind == model.KindGoal, ranked[j].Kind == model.KindGoal
		if gi != gj {
			return gi
		}
		return ranked[i].ID < ranked[j].ID
	})
	var removed []string
	for _, n := range ranked[max:] {
		removed = append(removed, n.ID)
	}
	g.RemoveNodes(removed...)
	SortNodes(g)
	sort.Strings(removed)
	return removed
}

// CapEdges keeps the first max edges in (from, to, id) order.
func CapEdges(g *model.Graph, max int) []string {
	if g == nil || max <= 0 || len(g.Edges) <= max {
		return nil
	}
	SortEdges(g)
	var removed []string
	for _, e := range g.Edges[max:] {
		removed = append(removed, edgeRef(e))
	}
	g.Edges = g.Edges[:max]
	return removed
}

// ComputeLayout derives roots, leaves and a layered position for every node.
// Layers are longest-path depths from the roots; nodes on cycles land in
// layer zero.
func ComputeLayout(g *model.Graph) Layout {
	lay := Layout{Positions: map[string]Position{}}
	if g == nil {
		return lay
	}
	hasIn := map[string]bool{}
	hasOut := map[string]bool{}
	idx := g.NodeIndex()
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
		hasOut[e.From] = true
		hasIn[e.To] = true
	}
	ids := g.NodeIDs()
	for _, id := range ids {
		if !hasIn[id] {
			lay.Roots = append(lay.Roots, id)
		}
		if !hasOut[id] {
			lay.Leaves = append(lay.Leaves, id)
		}
	}

	depth := map[string]int{}
	adj, _ := adjacencyOf(g)
	for _, id := range TopoOrder(g) {
		for _, e := range adj[id] {
			if depth[id]+1 > depth[e.To] {
				depth[e.To] = depth[id] + 1
			}
		}
	}
	layers := map[int][]string{}
	maxDepth := 0
	for _, id := range ids {
		d := depth[id]
		layers[d] = append(layers[d], id)
		if d > maxDepth {
			maxDepth = d
		}
	}
	for d := 0; d <= maxDepth; d++ {
		for i, id := range layers[d] {
			lay.Positions[id] = Position{X: float64(i) * layoutColWidth, Y: float64(d) * layoutRowHeight}
		}
	}
	return lay
}

const (
	layoutColWidth  = 220
	layoutRowHeight = 140
)

// SimpleReport describes what SimpleRepair removed.
type SimpleReport struct {
	Graph            *model.Graph
	DroppedNodes     []string
	DroppedEdges     []string
	BrokenCycleEdges []string
}

// SimpleRepair is the deterministic last-resort repair: drop duplicate nodes
// and invalid references, break cycles, and trim to limits. Isolated nodes are
// kept. The input is not modified.
func SimpleRepair(g *model.Graph, lim Limits) SimpleReport {
	out := g.Clone()
	if out == nil {
		out = &model.Graph{}
	}
	var rep SimpleReport
	rep.DroppedNodes = dedupeNodes(out)
	rep.DroppedEdges = DropInvalidEdges(out, false)
	AssignStableEdgeIDs(out)
	SortNodes(out)
	SortEdges(out)
	rep.BrokenCycleEdges = BreakCycles(out)
	rep.DroppedNodes = append(rep.DroppedNodes, CapNodes(out, lim.MaxNodes)...)
	rep.DroppedEdges = append(rep.DroppedEdges, CapEdges(out, lim.MaxEdges)...)
	AssignStableEdgeIDs(out)
	SortEdges(out)
	rep.Graph = out
	return rep
}

// StabilizeDAG canonicalizes a freshly generated graph and makes it acyclic.
// It fails on inputs no deterministic step can salvage. Panics from malformed
// input are converted to errors.
func StabilizeDAG(g *model.Graph) (out *model.Graph, broken []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, broken, err = nil, nil, fmt.Errorf("dag stabilization panic: %v", r)
		}
	}()
	if g == nil {
		return nil, nil, fmt.Errorf("dag stabilization: graph is nil")
	}
	if len(g.Nodes) == 0 {
		return nil, nil, fmt.Errorf("dag stabilization: graph has no nodes")
	}
	out = g.Clone()
	if dups := dedupeNodes(out); len(dups) > 0 {
		return nil, nil, fmt.Errorf("dag stabilization: duplicate node ids %v", dups)
	}
	DropInvalidEdges(out, false)
	Canonicalize(out)
	broken = BreakCycles(out)
	AssignStableEdgeIDs(out)
	SortEdges(out)
	return out, broken, nil
}
