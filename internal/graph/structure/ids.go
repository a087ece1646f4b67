// Package structure holds the deterministic graph algorithms used by the repair
// pipeline. Functions taking a *model.Graph mutate it in place unless their
// doc says otherwise; callers that need the input preserved clone first.
package structure

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danshapiro/cee/internal/graph/model"
)

const edgeIDSep = "::"

// EdgeID builds the canonical "{from}::{to}::{ordinal}" identifier.
func EdgeID(from, to string, ordinal int) string {
	return from + edgeIDSep + to + edgeIDSep + strconv.Itoa(ordinal)
}

// ParseEdgeID splits a canonical edge id. ok is false for ids not in canonical form.
func ParseEdgeID(id string) (from, to string, ordinal int, ok bool) {
	parts := strings.Split(id, edgeIDSep)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 0 {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}

// AssignStableEdgeIDs gives every edge its canonical id. Parallel edges between
// the same pair are ordered by their content (then by previous id) before
// ordinals are handed out, so input order never changes the result.
func AssignStableEdgeIDs(g *model.Graph) {
	if g == nil {
		return
	}
	groups := map[model.EdgePair][]*model.Edge{}
	var pairs []model.EdgePair
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		p := e.Pair()
		if _, ok := groups[p]; !ok {
			pairs = append(pairs, p)
		}
		groups[p] = append(groups[p], e)
	}
	for _, p := range pairs {
		es := groups[p]
		sort.SliceStable(es, func(i, j int) bool {
			ki, kj := ContentKey(es[i]), ContentKey(es[j])
			if ki != kj {
				return ki < kj
			}
			return es[i].ID < es[j].ID
		})
		for i, e := range es {
			e.ID = EdgeID(p.From, p.To, i)
		}
	}
}

// ContentKey renders every edge field except the id. Two edges with equal keys
// are interchangeable.
func ContentKey(e *model.Edge) string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.From)
	b.WriteByte('|')
	b.WriteString(e.To)
	b.WriteByte('|')
	b.WriteString(fmtFloat(e.StrengthMean))
	b.WriteByte('|')
	b.WriteString(fmtFloat(e.StrengthStd))
	b.WriteByte('|')
	b.WriteString(fmtFloat(e.BeliefExists))
	b.WriteByte('|')
	b.WriteString(string(e.EffectDirection))
	b.WriteByte('|')
	b.WriteString(string(e.Origin))
	b.WriteByte('|')
	b.WriteString(e.ProvenanceSource)
	return b.String()
}

func fmtFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.9g", *f)
}

// SortNodes orders nodes by id ascending.
func SortNodes(g *model.Graph) {
	if g == nil {
		return
	}
	sort.SliceStable(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
}

// SortEdges orders edges by (from, to, id).
func SortEdges(g *model.Graph) {
	if g == nil {
		return
	}
	sort.SliceStable(g.Edges, func(i, j int) bool { return edgeLess(g.Edges[i], g.Edges[j]) })
}

func edgeLess(a, b *model.Edge) bool {
	if a.From != b.From {
		return a.From < b.From
	}
	if a.To != b.To {
		return a.To < b.To
	}
	return a.ID < b.ID
}

// Canonicalize assigns stable ids and sorts nodes and edges.
func Canonicalize(g *model.Graph) {
	AssignStableEdgeIDs(g)
	SortNodes(g)
	SortEdges(g)
}
