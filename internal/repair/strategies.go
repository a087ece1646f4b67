package repair

import (
	"context"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/connectivity"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/graph/validate"
	"github.com/danshapiro/cee/internal/plan"
	"github.com/danshapiro/cee/internal/plot"
)

const (
	CodeSweepEdgeDropped = "SWEEP_EDGE_DROPPED"
	CodeSweepCycleBroken = "SWEEP_CYCLE_BROKEN"
)

// SweepResult is the outcome of the entry validation gate.
type SweepResult struct {
	Graph *model.Graph
	Valid bool
	// LLMRepairNeeded is set when errors remain that a regenerated graph
	// could fix. When false and Valid is false the graph is beyond repair.
	LLMRepairNeeded bool
	Violations      []string
}

// OrchestratorValidator is the optional stricter validation pass run before
// the downstream engine sees the graph.
type OrchestratorValidator interface {
	ValidateAndRepair(ctx context.Context, g *model.Graph, rec *audit.Recorder) (SweepResult, error)
}

// NoopOrchestrator accepts every graph unchanged.
type NoopOrchestrator struct{}

func (NoopOrchestrator) ValidateAndRepair(_ context.Context, g *model.Graph, _ *audit.Recorder) (SweepResult, error) {
	return SweepResult{Graph: g, Valid: true}, nil
}

// DeterministicSweep fixes what needs no judgement (dangling references,
// self loops, cycles) and classifies whatever errors are left.
type DeterministicSweep struct {
	Options validate.Options
}

func (s DeterministicSweep) ValidateAndRepair(ctx context.Context, g *model.Graph, rec *audit.Recorder) (SweepResult, error) {
	if err := ctx.Err(); err != nil {
		return SweepResult{}, err
	}
	out := g.Clone()
	if out == nil {
		out = &model.Graph{}
	}
	for _, id := range structure.DropInvalidEdges(out, false) {
		rec.Add(audit.Record{Code: CodeSweepEdgeDropped, EdgeID: id, Field: "edge", Before: id})
	}
	structure.AssignStableEdgeIDs(out)
	for _, id := range structure.BreakCycles(out) {
		rec.Add(audit.Record{Code: CodeSweepCycleBroken, EdgeID: id, Field: "edge", Before: id})
	}
	structure.Canonicalize(out)

	errs := validate.Errors(validate.ValidateWith(out, s.Options))
	res := SweepResult{Graph: out, Valid: len(errs) == 0, Violations: validate.Strings(errs)}
	if len(out.Nodes) == 0 {
		res.Valid = false
		res.Violations = append(res.Violations, "graph_empty: graph has no nodes")
		return res, nil
	}
	res.LLMRepairNeeded = !res.Valid
	return res, nil
}

// Clarifier refines a converged graph. Errors are never fatal.
type Clarifier interface {
	Refine(ctx context.Context, brief string, g *model.Graph, quality float64) (*model.Graph, plot.Usage, error)
}

// NoopClarifier is selected when clarification is disabled.
type NoopClarifier struct{}

func (NoopClarifier) Refine(_ context.Context, _ string, g *model.Graph, _ float64) (*model.Graph, plot.Usage, error) {
	return g, plot.Usage{}, nil
}

// NoopRepairer stands in when no LLM is configured; every call fails so the
// pipeline takes the deterministic fallback.
type NoopRepairer struct{}

func (NoopRepairer) RepairGraph(context.Context, *model.Graph, []string) (plot.RepairResult, error) {
	return plot.RepairResult{}, errLLMRepairDisabled
}

// QualityScore is the mean of structure and parameter confidence, less 0.25
// when connectivity validation failed, clamped to [0,1].
func QualityScore(g *model.Graph, summary connectivity.Summary) float64 {
	c := plan.ComputeConfidence(g)
	q := (c.Structure + c.Parameters) / 2
	if summary.Status == connectivity.StatusInvalid {
		q -= 0.25
	}
	return clamp01(q)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
