// Package connectivity checks minimum structure and goal reachability, and
// heals what it can: a missing goal is inferred and unreachable outcomes and
// risks are wired to the goal.
package connectivity

import (
	"fmt"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/goals"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/graph/validate"
)

const (
	CodeSyntheticEdge = "SYNTHETIC_GOAL_EDGE"

	SyntheticProvenance = "synthetic"

	outcomeStrength = 0.5
	riskStrength    = -0.5
	syntheticStd    = 0.15
	syntheticBelief = 0.7
)

type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

type Summary struct {
	Status             Status           `json:"status"`
	MissingKinds       []model.NodeKind `json:"missing_kinds,omitempty"`
	ConnectivityFailed bool             `json:"connectivity_failed"`
	// Unreachable lists option and outcome ids that still have no path to the
	// goal after healing.
	Unreachable  []string `json:"unreachable,omitempty"`
	GoalID       string   `json:"goal_id,omitempty"`
	GoalInferred bool     `json:"goal_inferred,omitempty"`
	WiredNodes   []string `json:"wired_nodes,omitempty"`
}

type Options struct {
	RequiredKinds map[model.NodeKind]int
}

type Result struct {
	Graph   *model.Graph
	Summary Summary
}

// Check works on a copy of g. Nodes are never dropped: a missing goal is
// inferred from brief, then every outcome or risk without a path to the goal
// gets a synthetic edge to it. The summary reflects the healed graph.
func Check(g *model.Graph, brief string, opts Options, rec *audit.Recorder) (Result, error) {
	if g == nil {
		return Result{}, fmt.Errorf("connectivity: graph is nil")
	}
	out := g.Clone()
	var sum Summary

	if out.CountKind(model.KindGoal) == 0 {
		id, err := goals.Infer(out, brief, rec)
		if err == nil {
			sum.GoalID = id
			sum.GoalInferred = true
		}
	} else {
		sum.GoalID = out.NodesOfKind(model.KindGoal)[0].ID
	}

	if sum.GoalID != "" {
		sum.WiredNodes = wireUnreached(out, sum.GoalID, rec)
		if len(sum.WiredNodes) > 0 {
			structure.AssignStableEdgeIDs(out)
			structure.SortEdges(out)
		}
		reach := validate.ReachesAny(out, sum.GoalID)
		for _, n := range out.Nodes {
			if (n.Kind == model.KindOutcome || n.Kind == model.KindOption) && !reach[n.ID] {
				sum.Unreachable = append(sum.Unreachable, n.ID)
			}
		}
	}

	sum.MissingKinds = validate.MissingKinds(out, opts.RequiredKinds)
	sum.ConnectivityFailed = sum.GoalID == "" || len(sum.Unreachable) > 0
	sum.Status = StatusValid
	if len(sum.MissingKinds) > 0 || sum.ConnectivityFailed {
		sum.Status = StatusInvalid
	}
	return Result{Graph: out, Summary: sum}, nil
}

func wireUnreached(g *model.Graph, goalID string, rec *audit.Recorder) []string {
	var wired []string
	for _, id := range g.NodeIDs() {
		n := g.Node(id)
		if id == goalID || validate.ReachesAny(g, goalID)[id] {
			continue
		}
		// An edge into the goal from a node the goal already reaches would
		// close a cycle.
		if reachableFrom(g, goalID)[id] {
			continue
		}
		var mean float64
		dir := model.DirectionPositive
		switch n.Kind {
		case model.KindOutcome:
			mean = outcomeStrength
		case model.KindRisk:
			mean, dir = riskStrength, model.DirectionNegative
		default:
			continue
		}
		e := &model.Edge{
			From:             id,
			To:               goalID,
			StrengthMean:     model.Float(mean),
			StrengthStd:      model.Float(syntheticStd),
			BeliefExists:     model.Float(syntheticBelief),
			EffectDirection:  dir,
			Origin:           model.OriginSynthetic,
			ProvenanceSource: SyntheticProvenance,
		}
		g.Edges = append(g.Edges, e)
		wired = append(wired, id)
		rec.Add(audit.Record{
			Code:   CodeSyntheticEdge,
			NodeID: id,
			EdgeID: structure.EdgeID(id, goalID, 0),
			After:  mean,
			Reason: string(n.Kind) + " had no path to the goal",
		})
	}
	return wired
}

func reachableFrom(g *model.Graph, src string) map[string]bool {
	seen := map[string]bool{src: true}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}
