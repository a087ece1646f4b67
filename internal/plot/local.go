package plot

import (
	"context"
	"fmt"

	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/graph/validate"
)

// LocalEngine applies the local lint rules in place of the remote engine so
// the pipeline always has a validator.
type LocalEngine struct {
	Options validate.Options
	Limits  structure.Limits
}

func (l LocalEngine) ValidateGraph(ctx context.Context, g *model.Graph) (ValidateResult, error) {
	if err := ctx.Err(); err != nil {
		return ValidateResult{}, err
	}
	if g == nil {
		return ValidateResult{OK: false, Violations: []string{"graph is nil"}}, nil
	}
	violations := validate.Strings(validate.Errors(validate.ValidateWith(g, l.Options)))
	if l.Limits.MaxNodes > 0 && len(g.Nodes) > l.Limits.MaxNodes {
		violations = append(violations, fmt.Sprintf("node_limit: %d nodes exceeds %d", len(g.Nodes), l.Limits.MaxNodes))
	}
	if l.Limits.MaxEdges > 0 && len(g.Edges) > l.Limits.MaxEdges {
		violations = append(violations, fmt.Sprintf("edge_limit: %d edges exceeds %d", len(g.Edges), l.Limits.MaxEdges))
	}
	return ValidateResult{OK: len(violations) == 0, Violations: violations}, nil
}

// ValidatePatch applies ops to a copy of the graph and accepts the patch when
// the result still validates.
func (l LocalEngine) ValidatePatch(ctx context.Context, req PatchRequest) (PatchVerdict, error) {
	if req.Graph == nil {
		return PatchVerdict{Verdict: VerdictRejected, Code: "GRAPH_MISSING", Reason: "patch has no base graph"}, nil
	}
	g := req.Graph.Clone()
	for i, op := range req.Ops {
		if err := applyOp(g, op); err != nil {
			return PatchVerdict{
				Verdict: VerdictRejected,
				Code:    "PATCH_OP_INVALID",
				Reason:  fmt.Sprintf("op %d: %v", i, err),
			}, nil
		}
	}
	structure.AssignStableEdgeIDs(g)
	structure.Canonicalize(g)
	res, err := l.ValidateGraph(ctx, g)
	if err != nil {
		return PatchVerdict{}, err
	}
	if !res.OK {
		return PatchVerdict{
			Verdict:    VerdictRejected,
			Code:       "PATCH_GRAPH_INVALID",
			Reason:     "patched graph fails validation",
			Violations: res.Violations,
		}, nil
	}
	var warnings []string
	for _, d := range validate.ValidateWith(g, l.Options) {
		if d.Severity == validate.SeverityWarning {
			warnings = append(warnings, d.String())
		}
	}
	return PatchVerdict{Verdict: VerdictAccepted, AppliedGraph: g, Warnings: warnings}, nil
}

func applyOp(g *model.Graph, op PatchOp) error {
	switch op.Op {
	case "add_node":
		if op.Node == nil || op.Node.ID == "" {
			return fmt.Errorf("add_node needs a node with an id")
		}
		if g.HasNode(op.Node.ID) {
			return fmt.Errorf("node %q already exists", op.Node.ID)
		}
		g.Nodes = append(g.Nodes, op.Node.Clone())
	case "remove_node":
		if !g.HasNode(op.ID) {
			return fmt.Errorf("node %q not found", op.ID)
		}
		g.RemoveNodes(op.ID)
	case "add_edge":
		if op.Edge == nil {
			return fmt.Errorf("add_edge needs an edge")
		}
		g.Edges = append(g.Edges, op.Edge.Clone())
	case "remove_edge":
		kept := g.Edges[:0]
		found := false
		for _, e := range g.Edges {
			if e.ID == op.ID {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return fmt.Errorf("edge %q not found", op.ID)
		}
		g.Edges = kept
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
	return nil
}
