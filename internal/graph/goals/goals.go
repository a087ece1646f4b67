// Package goals consolidates goal nodes so that a graph carries exactly one.
package goals

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
)

const (
	CodeGoalMerged    = "GOAL_MERGED"
	CodeEdgeRedirect  = "GOAL_EDGE_REDIRECTED"
	CodeEdgeDropped   = "GOAL_EDGE_DROPPED"
	CodeGoalInferred  = "GOAL_INFERRED"
	CodeGoalPromoted  = "GOAL_PROMOTED"
	InferredGoalID    = "goal_inferred"
	maxGoalLabelRunes = 120
)

type MergeResult struct {
	Graph *model.Graph
	// SingleGoalApplied is true when more than one goal was merged.
	SingleGoalApplied bool
	SurvivorID        string
	// Renames maps every superseded goal id to the survivor.
	Renames map[string]string
}

// Merge collapses multiple goal nodes into one survivor: the goal with the
// highest total degree, ties broken by the smallest id. Edges into superseded
// goals are redirected to the survivor; edges between goals are dropped. The
// input is not modified.
func Merge(g *model.Graph, rec *audit.Recorder) MergeResult {
	out := g.Clone()
	goals := out.NodesOfKind(model.KindGoal)
	if len(goals) <= 1 {
		res := MergeResult{Graph: out}
		if len(goals) == 1 {
			res.SurvivorID = goals[0].ID
		}
		return res
	}

	survivor := pickSurvivor(out, goals)
	renames := map[string]string{}
	var labels []string
	for _, n := range goals {
		if n.ID == survivor.ID {
			continue
		}
		renames[n.ID] = survivor.ID
		labels = append(labels, n.Label)
	}

	edges := out.Edges[:0]
	for _, e := range out.Edges {
		from, to := rename(e.From, renames), rename(e.To, renames)
		if from == to {
			rec.Add(audit.Record{
				Code:   CodeEdgeDropped,
				EdgeID: e.ID,
				Before: e.From + "->" + e.To,
				Reason: "edge between merged goals",
			})
			continue
		}
		if from != e.From || to != e.To {
			rec.Add(audit.Record{
				Code:   CodeEdgeRedirect,
				EdgeID: e.ID,
				Field:  "endpoints",
				Before: e.From + "->" + e.To,
				After:  from + "->" + to,
				Reason: "endpoint goal merged into " + survivor.ID,
			})
			e.From, e.To = from, to
		}
		edges = append(edges, e)
	}
	out.Edges = edges

	superseded := make([]string, 0, len(renames))
	for id := range renames {
		superseded = append(superseded, id)
	}
	sort.Strings(superseded)
	for _, id := range superseded {
		rec.Add(audit.Record{
			Code:   CodeGoalMerged,
			NodeID: id,
			Before: id,
			After:  survivor.ID,
			Reason: "multiple goals consolidated",
		})
	}
	out.RemoveNodes(superseded...)
	if len(labels) > 0 {
		if out.Meta == nil {
			out.Meta = map[string]any{}
		}
		out.Meta["merged_goal_labels"] = labels
	}
	structure.AssignStableEdgeIDs(out)
	structure.SortEdges(out)
	return MergeResult{Graph: out, SingleGoalApplied: true, SurvivorID: survivor.ID, Renames: renames}
}

func pickSurvivor(g *model.Graph, goals []*model.Node) *model.Node {
	best := goals[0]
	bestDeg := g.Degree(best.ID)
	for _, n := range goals[1:] {
		d := g.Degree(n.ID)
		if d > bestDeg || (d == bestDeg && n.ID < best.ID) {
			best, bestDeg = n, d
		}
	}
	return best
}

func rename(id string, renames map[string]string) string {
	if to, ok := renames[id]; ok {
		return to
	}
	return id
}

// ResolveRename follows a rename chain to its final id.
func ResolveRename(id string, renames map[string]string) string {
	seen := map[string]bool{}
	for {
		next, ok := renames[id]
		if !ok || seen[id] {
			return id
		}
		seen[id] = true
		id = next
	}
}

// ComposeRenames merges a newer rename map into an older one so that every
// historical id resolves to its latest survivor.
func ComposeRenames(older, newer map[string]string) map[string]string {
	if len(older) == 0 && len(newer) == 0 {
		return nil
	}
	out := map[string]string{}
	for k, v := range older {
		out[k] = v
	}
	for k, v := range newer {
		out[k] = v
	}
	for k := range out {
		out[k] = ResolveRename(k, out)
	}
	return out
}

var goalPhrase = regexp.MustCompile(`(?i)\b(?:goal|objective|aim)\s*(?:is|:)\s*(?:to\s+)?([^.\n]+)`)
var wantPhrase = regexp.MustCompile(`(?i)\b(?:we|i)\s+(?:want|need|would like|are trying|am trying)\s+to\s+([^.\n]+)`)

// GoalLabelFromBrief extracts a goal label from free text. Returns "" when
// nothing usable is found.
func GoalLabelFromBrief(brief string) string {
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return ""
	}
	for _, re := range []*regexp.Regexp{goalPhrase, wantPhrase} {
		if m := re.FindStringSubmatch(brief); len(m) == 2 {
			if s := cleanLabel(m[1]); s != "" {
				return s
			}
		}
	}
	first := brief
	if i := strings.IndexAny(first, ".?!\n"); i > 0 {
		first = first[:i]
	}
	return cleanLabel(first)
}

func cleanLabel(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
	if s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) > maxGoalLabelRunes {
		r = r[:maxGoalLabelRunes]
	}
	r[0] = unicode.ToUpper(r[0])
	return strings.TrimSpace(string(r))
}

// Infer adds a goal to a graph that has none. A goal label found in the brief
// produces a new node; otherwise the outcome with the highest degree (ties by
// id) is promoted. Returns the goal id, or an error when neither source works.
// The graph is modified in place.
func Infer(g *model.Graph, brief string, rec *audit.Recorder) (string, error) {
	if g == nil {
		return "", fmt.Errorf("infer goal: graph is nil")
	}
	if goals := g.NodesOfKind(model.KindGoal); len(goals) > 0 {
		return goals[0].ID, nil
	}
	if label := GoalLabelFromBrief(brief); label != "" {
		id := InferredGoalID
		for i := 1; g.HasNode(id); i++ {
			id = fmt.Sprintf("%s_%d", InferredGoalID, i)
		}
		g.Nodes = append(g.Nodes, &model.Node{ID: id, Kind: model.KindGoal, Label: label})
		rec.Add(audit.Record{
			Code:   CodeGoalInferred,
			NodeID: id,
			Field:  "label",
			After:  label,
			Reason: "goal inferred from brief",
		})
		structure.SortNodes(g)
		return id, nil
	}
	outcomes := g.NodesOfKind(model.KindOutcome)
	if len(outcomes) == 0 {
		return "", fmt.Errorf("infer goal: brief has no goal phrase and graph has no outcome to promote")
	}
	best := outcomes[0]
	bestDeg := g.Degree(best.ID)
	for _, n := range outcomes[1:] {
		if d := g.Degree(n.ID); d > bestDeg {
			best, bestDeg = n, d
		}
	}
	rec.Add(audit.Record{
		Code:   CodeGoalPromoted,
		NodeID: best.ID,
		Field:  "kind",
		Before: string(best.Kind),
		After:  string(model.KindGoal),
		Reason: "outcome promoted to goal",
	})
	best.Kind = model.KindGoal
	return best.ID, nil
}
