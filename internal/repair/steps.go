package repair

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danshapiro/cee/internal/apierr"
	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/connectivity"
	"github.com/danshapiro/cee/internal/graph/constraints"
	"github.com/danshapiro/cee/internal/graph/goals"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/strp"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/graph/validate"
)

// Substep ids, in pipeline order.
const (
	StepOrchestratorValidation = "orchestrator_validation"
	StepPlotValidation         = "plot_validation"
	StepEdgeIDs                = "edge_ids"
	StepGoalMerge              = "goal_merge"
	StepCompoundGoals          = "compound_goals"
	StepSTRPLate               = "strp_late"
	StepEdgeRestore            = "edge_restore"
	StepConnectivity           = "connectivity"
	StepClarifier              = "clarifier"
	StepStructuralParse        = "structural_parse"

	stageSTRPEarly = "strp_early"

	CodeRepairFallback      = "REPAIR_FALLBACK"
	CodeFallbackNodeDropped = "FALLBACK_NODE_DROPPED"
	CodeFallbackEdgeDropped = "FALLBACK_EDGE_DROPPED"
	CodeDAGCycleBroken      = "DAG_CYCLE_BROKEN"
)

var errLLMRepairDisabled = errors.New("llm repair is not configured")

// Step is one substep of the pipeline. Steps compute on a copy of the graph
// and commit to the context only when they finish.
type Step interface {
	ID() string
	Run(ctx context.Context, pc *PipelineContext) error
}

// StepRegistry stores steps to run in registration order.
type StepRegistry struct {
	steps []Step
}

func NewStepRegistry() *StepRegistry { return &StepRegistry{} }

func (r *StepRegistry) Register(s Step) {
	if r == nil || s == nil {
		return
	}
	r.steps = append(r.steps, s)
}

func (r *StepRegistry) List() []Step {
	if r == nil || len(r.steps) == 0 {
		return nil
	}
	return append([]Step{}, r.steps...)
}

// skipped is returned by a step that chose not to run. It is not a failure.
type skipped struct{ reason string }

func (s skipped) Error() string { return "skipped: " + s.reason }

func skip(reason string) error { return skipped{reason: reason} }

// 1.

type orchestratorValidationStep struct{ o *Orchestrator }

func (s orchestratorValidationStep) ID() string { return StepOrchestratorValidation }
func (s orchestratorValidationStep) Run(ctx context.Context, pc *PipelineContext) error {
	if _, ok := s.o.orchestrator.(NoopOrchestrator); ok {
		return skip("disabled")
	}
	res, err := s.o.orchestrator.ValidateAndRepair(ctx, pc.Graph, pc.Corrections.Stage(s.ID()))
	if err != nil {
		s.o.log.Warn("orchestrator validation failed, continuing", "request_id", pc.RequestID, "error", err)
		return nil
	}
	pc.Trace.OrchestratorLLMRepairNeeded = res.LLMRepairNeeded
	if res.Valid || (res.LLMRepairNeeded && s.o.canLLMRepair()) {
		if res.Graph != nil {
			pc.Graph = res.Graph
		}
		return nil
	}
	pc.EarlyReturn = &EarlyReturn{
		Status: http.StatusUnprocessableEntity,
		Step:   s.ID(),
		Err:    apierr.GraphInvalid(http.StatusUnprocessableEntity, "graph failed validation and cannot be repaired", res.Violations),
	}
	return nil
}

// 2.

type plotValidationStep struct{ o *Orchestrator }

func (s plotValidationStep) ID() string { return StepPlotValidation }
func (s plotValidationStep) Run(ctx context.Context, pc *PipelineContext) error {
	o := s.o
	early := strp.Run(pc.Graph, pc.GoalConstraints, strp.Options{Stage: stageSTRPEarly}, pc.Corrections.Stage(stageSTRPEarly))
	g := early.Graph

	res := o.validate(ctx, pc, g)
	if res.OK {
		if res.Normalized != nil {
			g = res.Normalized
		}
		pc.Graph, pc.GoalConstraints = g, early.GoalConstraints
		return nil
	}
	pc.Trace.PlotViolations = res.Violations

	repaired, reason := o.llmRepair(ctx, pc, g, res.Violations)
	if reason == FallbackNone {
		pc.Graph, pc.GoalConstraints = repaired, early.GoalConstraints
		return nil
	}

	rep := structure.SimpleRepair(g, o.cfg.Limits)
	rec := pc.Corrections.Stage(s.ID())
	rec.Add(audit.Record{Code: CodeRepairFallback, Field: "graph", Reason: string(reason)})
	for _, id := range rep.DroppedNodes {
		rec.Add(audit.Record{Code: CodeFallbackNodeDropped, NodeID: id, Field: "node", Before: id})
	}
	for _, id := range rep.DroppedEdges {
		rec.Add(audit.Record{Code: CodeFallbackEdgeDropped, EdgeID: id, Field: "edge", Before: id})
	}
	for _, id := range rep.BrokenCycleEdges {
		rec.Add(audit.Record{Code: CodeDAGCycleBroken, EdgeID: id, Field: "edge", Before: id})
	}
	pc.Trace.RepairFallbackReason = reason
	repairFallbackTotal.WithLabelValues(string(reason)).Inc()
	o.log.Warn("llm repair abandoned, using simple repair",
		"request_id", pc.RequestID,
		"reason", string(reason),
		"violations", len(res.Violations),
		"dropped_nodes", len(rep.DroppedNodes),
		"dropped_edges", len(rep.DroppedEdges),
	)
	pc.Graph, pc.GoalConstraints = rep.Graph, early.GoalConstraints
	return nil
}

// 3.

type edgeIDStep struct{}

func (edgeIDStep) ID() string { return StepEdgeIDs }
func (edgeIDStep) Run(_ context.Context, pc *PipelineContext) error {
	g := pc.Graph.Clone()
	structure.Canonicalize(g)
	pc.Graph = g
	return nil
}

// 4.

type goalMergeStep struct{ o *Orchestrator }

func (s goalMergeStep) ID() string { return StepGoalMerge }
func (s goalMergeStep) Run(_ context.Context, pc *PipelineContext) error {
	if !s.o.cfg.EnforceSingleGoal {
		return skip("disabled")
	}
	if pc.Graph.CountKind(model.KindGoal) > 1 {
		pc.stash().Add(pc.Graph)
	}
	res := goals.Merge(pc.Graph, pc.Corrections.Stage(s.ID()))
	pc.Graph = res.Graph
	pc.Trace.SingleGoalApplied = res.SingleGoalApplied
	if len(res.Renames) > 0 {
		pc.NodeRenames = goals.ComposeRenames(pc.NodeRenames, res.Renames)
		s.o.log.Debug("goals merged", "request_id", pc.RequestID, "survivor", res.SurvivorID, "merged", len(res.Renames))
	}
	return nil
}

// 5.

type compoundGoalsStep struct{ o *Orchestrator }

func (s compoundGoalsStep) ID() string { return StepCompoundGoals }
func (s compoundGoalsStep) Run(_ context.Context, pc *PipelineContext) error {
	res, err := constraints.Apply(pc.Graph, pc.Brief, pc.GoalConstraints, pc.NodeRenames, s.o.cfg.ReservedGlobs, pc.Corrections.Stage(s.ID()))
	if err != nil {
		s.o.log.Warn("constraint extraction failed, keeping existing constraints", "request_id", pc.RequestID, "error", err)
		return skip("constraint error")
	}
	pc.Graph = res.Graph
	pc.GoalConstraints = res.GoalConstraints
	pc.Trace.ConstraintStats = res.Stats
	return nil
}

// 6.

type strpLateStep struct{}

func (strpLateStep) ID() string { return StepSTRPLate }
func (s strpLateStep) Run(_ context.Context, pc *PipelineContext) error {
	res := strp.Run(pc.Graph, pc.GoalConstraints, strp.Options{FillControllableData: true, Stage: s.ID()}, pc.Corrections.Stage(s.ID()))
	pc.Graph = res.Graph
	pc.GoalConstraints = res.GoalConstraints
	return nil
}

// 7.

type edgeRestoreStep struct{}

func (edgeRestoreStep) ID() string { return StepEdgeRestore }
func (s edgeRestoreStep) Run(_ context.Context, pc *PipelineContext) error {
	if pc.EdgeStash == nil {
		return skip("no stash")
	}
	g := pc.Graph.Clone()
	pc.Trace.RestoredEdgeCount = pc.EdgeStash.Restore(g, pc.NodeRenames, pc.Corrections.Stage(s.ID()))
	pc.Graph = g
	return nil
}

// 8.

type connectivityStep struct{ o *Orchestrator }

func (s connectivityStep) ID() string { return StepConnectivity }
func (s connectivityStep) Run(_ context.Context, pc *PipelineContext) error {
	res, err := connectivity.Check(pc.Graph, pc.Brief, connectivity.Options{RequiredKinds: s.o.cfg.RequiredKinds}, pc.Corrections.Stage(s.ID()))
	if err != nil {
		s.o.log.Warn("connectivity check failed", "request_id", pc.RequestID, "error", err)
		return skip("connectivity error")
	}
	pc.Graph = res.Graph
	pc.Trace.Validation = res.Summary
	if res.Summary.Status == connectivity.StatusInvalid {
		s.o.log.Warn("graph still fails minimum structure",
			"request_id", pc.RequestID,
			"missing_kinds", res.Summary.MissingKinds,
			"unreachable", res.Summary.Unreachable,
		)
	}
	return nil
}

// 9.

type clarifierStep struct{ o *Orchestrator }

func (s clarifierStep) ID() string { return StepClarifier }
func (s clarifierStep) Run(ctx context.Context, pc *PipelineContext) error {
	pc.Trace.QualityScore = QualityScore(pc.Graph, pc.Trace.Validation)
	reason := ""
	switch {
	case isNoopClarifier(s.o.clarifier):
		reason = "disabled"
	case ctx.Err() != nil:
		reason = "cancelled"
	case pc.Trace.QualityScore >= s.o.cfg.ClarifierQualityThreshold:
		reason = "quality_sufficient"
	}
	if reason != "" {
		pc.Trace.ClarifierSkipped = reason
		repairClarifierTotal.WithLabelValues("skipped").Inc()
		return skip(reason)
	}

	refined, usage, err := s.o.clarifier.Refine(ctx, pc.Brief, pc.Graph.Clone(), pc.Trace.QualityScore)
	pc.addCost(usage)
	if err == nil {
		refined, err = acceptRefinement(refined)
	}
	if err == nil {
		err = s.reconcile(pc, refined)
	}
	if err != nil {
		pc.Trace.ClarifierError = err.Error()
		repairClarifierTotal.WithLabelValues("error").Inc()
		s.o.log.Warn("clarifier failed, keeping graph", "request_id", pc.RequestID, "error", err)
		return nil
	}
	pc.Trace.ClarifierApplied = true
	repairClarifierTotal.WithLabelValues("applied").Inc()
	return nil
}

// acceptRefinement makes a clarifier graph safe to commit.
func acceptRefinement(g *model.Graph) (*model.Graph, error) {
	out, _, err := structure.StabilizeDAG(g)
	if err != nil {
		return nil, err
	}
	if n := out.CountKind(model.KindGoal); n != 1 {
		return nil, fmt.Errorf("clarifier returned %d goal nodes", n)
	}
	return out, nil
}

// reconcile re-applies the invariants earlier substeps established, since the
// clarifier may have reintroduced what they removed. pc is only written when
// every stage succeeds.
func (s clarifierStep) reconcile(pc *PipelineContext, g *model.Graph) error {
	rec := pc.Corrections.Stage(s.ID())
	globs := s.o.cfg.ReservedGlobs
	if len(globs) == 0 {
		globs = constraints.DefaultReservedGlobs
	}
	if _, err := constraints.StripReservedNodes(g, globs, rec); err != nil {
		return err
	}
	structure.Canonicalize(g)
	late := strp.Run(g, pc.GoalConstraints, strp.Options{FillControllableData: true, Stage: s.ID()}, rec)
	conn, err := connectivity.Check(late.Graph, pc.Brief, connectivity.Options{RequiredKinds: s.o.cfg.RequiredKinds}, rec)
	if err != nil {
		return err
	}
	pc.Graph = conn.Graph
	pc.GoalConstraints = late.GoalConstraints
	pc.Trace.Validation = conn.Summary
	return nil
}

func isNoopClarifier(c Clarifier) bool {
	_, ok := c.(NoopClarifier)
	return ok
}

// 10.

type structuralParseStep struct{ o *Orchestrator }

func (s structuralParseStep) ID() string { return StepStructuralParse }
func (s structuralParseStep) Run(_ context.Context, pc *PipelineContext) error {
	diags, err := validate.StructuralParse(pc.Graph, validate.Options{RequiredKinds: s.o.cfg.RequiredKinds})
	if err == nil {
		return nil
	}
	pc.EarlyReturn = &EarlyReturn{
		Status: http.StatusBadRequest,
		Step:   s.ID(),
		Err:    apierr.GraphInvalid(http.StatusBadRequest, "graph failed final structural validation", validate.Strings(diags)),
	}
	return nil
}
