package constraints

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/model"
)

const (
	CodeConstraintBound      = "CONSTRAINT_BOUND"
	CodeConstraintNoMatch    = "CONSTRAINT_REJECTED_NO_MATCH"
	CodeConstraintJunk       = "CONSTRAINT_REJECTED_JUNK"
	CodeConstraintNodeRemove = "CONSTRAINT_NODE_STRIPPED"
	CodeConstraintEdgeRemove = "CONSTRAINT_EDGE_STRIPPED"
)

// DefaultReservedGlobs are the node-id patterns reserved for constraints.
var DefaultReservedGlobs = []string{"constraint_*", "goal_constraint_*"}

// GoalConstraint is a policy bound attached to an existing node.
type GoalConstraint struct {
	ConstraintID string   `json:"constraint_id"`
	NodeID       string   `json:"node_id"`
	Operator     Operator `json:"operator"`
	Value        float64  `json:"value"`
	Unit         string   `json:"unit,omitempty"`
	Label        string   `json:"label,omitempty"`
	TargetName   string   `json:"target_name,omitempty"`
	SourceQuote  string   `json:"source_quote,omitempty"`
	MatchedBy    string   `json:"matched_by,omitempty"`
}

type Stats struct {
	Extracted       int `json:"extracted"`
	Resolved        int `json:"resolved"`
	RejectedNoMatch int `json:"rejected_no_match"`
	RejectedJunk    int `json:"rejected_junk"`
	StrippedNodes   int `json:"stripped_nodes"`
}

// ConstraintID names the bound by node and direction.
func ConstraintID(nodeID string, op Operator) string {
	suffix := "max"
	if op == OpGE {
		suffix = "min"
	}
	return fmt.Sprintf("constraint_%s_%s", nodeID, suffix)
}

// Remap binds candidates to nodes of g. Unresolvable and junk candidates are
// dropped and counted. renames translates stale ids a guess may still carry.
// When two candidates bind to the same node and direction the first wins.
func Remap(cands []Candidate, g *model.Graph, renames map[string]string, rec *audit.Recorder) ([]GoalConstraint, Stats) {
	st := Stats{Extracted: len(cands)}
	var out []GoalConstraint
	seen := map[string]bool{}
	var nodes []*model.Node
	if g != nil {
		nodes = g.Nodes
	}
	for _, c := range cands {
		if c.Junk {
			st.RejectedJunk++
			rec.Add(audit.Record{Code: CodeConstraintJunk, Before: c.SourceQuote, Reason: "unusable constraint extraction"})
			continue
		}
		guess := c.TargetGuess
		if to, ok := renames[guess]; ok {
			guess = to
		}
		id, method, ok := Resolve(c.TargetName, guess, nodes)
		if !ok {
			st.RejectedNoMatch++
			rec.Add(audit.Record{
				Code:   CodeConstraintNoMatch,
				Before: c.TargetName,
				Reason: "no graph node matches constraint target",
			})
			continue
		}
		gc := GoalConstraint{
			ConstraintID: ConstraintID(id, c.Operator),
			NodeID:       id,
			Operator:     c.Operator,
			Value:        c.Value,
			Unit:         c.Unit,
			Label:        fmt.Sprintf("%s %s %g", c.TargetName, c.Operator, c.Value),
			TargetName:   c.TargetName,
			SourceQuote:  c.SourceQuote,
			MatchedBy:    method,
		}
		if seen[gc.ConstraintID] {
			continue
		}
		seen[gc.ConstraintID] = true
		st.Resolved++
		rec.Add(audit.Record{
			Code:         CodeConstraintBound,
			NodeID:       id,
			ConstraintID: gc.ConstraintID,
			Before:       c.TargetGuess,
			After:        id,
			Reason:       "constraint bound by " + method + " match",
		})
		out = append(out, gc)
	}
	return out, st
}

// IsReserved reports whether id matches any reserved glob. Malformed
// patterns never match.
func IsReserved(id string, globs []string) bool {
	for _, pat := range globs {
		if ok, err := doublestar.Match(pat, id); err == nil && ok {
			return true
		}
	}
	return false
}

// StripReservedNodes removes nodes whose ids fall in the reserved namespace,
// along with their incident edges, and returns the removed node ids.
func StripReservedNodes(g *model.Graph, globs []string, rec *audit.Recorder) ([]string, error) {
	if g == nil {
		return nil, nil
	}
	for _, pat := range globs {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("reserved constraint glob %q is invalid", pat)
		}
	}
	var ids []string
	for _, n := range g.Nodes {
		if n != nil && IsReserved(n.ID, globs) {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	for _, e := range g.Edges {
		if drop[e.From] || drop[e.To] {
			rec.Add(audit.Record{
				Code:   CodeConstraintEdgeRemove,
				EdgeID: e.ID,
				Before: e.From + "->" + e.To,
				Reason: "edge touches reserved constraint node",
			})
		}
	}
	for _, id := range ids {
		rec.Add(audit.Record{
			Code:   CodeConstraintNodeRemove,
			NodeID: id,
			Before: string(g.Node(id).Kind),
			Reason: "constraints are metadata, not graph nodes",
		})
	}
	g.RemoveNodes(ids...)
	return ids, nil
}

// Result is the outcome of Apply.
type Result struct {
	Graph           *model.Graph
	GoalConstraints []GoalConstraint
	Stats           Stats
}

// Apply strips reserved nodes from a clone of g, then extracts constraints
// from brief and binds them to the remaining nodes. Earlier constraints with
// the same id are kept ahead of newly extracted ones.
func Apply(g *model.Graph, brief string, existing []GoalConstraint, renames map[string]string, globs []string, rec *audit.Recorder) (Result, error) {
	if len(globs) == 0 {
		globs = DefaultReservedGlobs
	}
	out := g.Clone()
	stripped, err := StripReservedNodes(out, globs, rec)
	if err != nil {
		return Result{}, err
	}
	found, st := Remap(Extract(brief), out, renames, rec)
	st.StrippedNodes = len(stripped)

	merged := make([]GoalConstraint, 0, len(existing)+len(found))
	seen := map[string]bool{}
	for _, gc := range append(append([]GoalConstraint{}, existing...), found...) {
		if to, ok := renames[gc.NodeID]; ok {
			gc.NodeID = to
			gc.ConstraintID = ConstraintID(to, gc.Operator)
		}
		if out == nil || !out.HasNode(gc.NodeID) || seen[gc.ConstraintID] {
			continue
		}
		seen[gc.ConstraintID] = true
		merged = append(merged, gc)
	}
	return Result{Graph: out, GoalConstraints: merged, Stats: st}, nil
}
