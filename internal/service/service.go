// Package service runs one draft graph through the whole post-draft path:
// Stage-4 repair, plan annotation, analysis readiness and the boundary gate.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/danshapiro/cee/internal/analysis"
	"github.com/danshapiro/cee/internal/apierr"
	"github.com/danshapiro/cee/internal/boundary"
	"github.com/danshapiro/cee/internal/config"
	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/constraints"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/strp"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/logger"
	"github.com/danshapiro/cee/internal/plan"
	"github.com/danshapiro/cee/internal/plot"
	"github.com/danshapiro/cee/internal/repair"
)

var boundaryOutcomeTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cee_boundary_outcome_total",
		Help: "Boundary gate outcomes by status and schema version",
	},
	[]string{"status", "schema_version"},
)

// Records written by the final compliance pass.
const (
	CodeComplianceEdgeDropped = "COMPLIANCE_EDGE_DROPPED"
	CodeComplianceNodePruned  = "COMPLIANCE_NODE_PRUNED"
	CodeComplianceCycleBroken = "COMPLIANCE_CYCLE_BROKEN"
	CodeComplianceNodeCapped  = "COMPLIANCE_NODE_CAPPED"
	CodeComplianceEdgeCapped  = "COMPLIANCE_EDGE_CAPPED"

	stageCompliance = "compliance"
)

type Options struct {
	Repair     repair.Config
	Boundary   boundary.Options
	Budget     time.Duration
	MaxCostUSD float64
}

// OptionsFromConfig maps the loaded configuration onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	p := cfg.Pipeline
	return Options{
		Repair: repair.Config{
			EnforceSingleGoal:         *p.EnforceSingleGoal,
			OrchestratorValidation:    p.OrchestratorValidationEnabled,
			ClarifierEnabled:          p.ClarifierEnabled,
			ClarifierQualityThreshold: *p.ClarifierQualityThreshold,
			MaxRepairRetries:          *p.MaxRepairRetries,
			Limits:                    structure.Limits{MaxNodes: p.MaxNodes, MaxEdges: p.MaxEdges},
			RequiredKinds:             cfg.RequiredKinds(),
			ReservedGlobs:             append([]string(nil), p.ReservedConstraintGlobs...),
		},
		Boundary: boundary.Options{
			SchemaVersion: model.SchemaVersion(cfg.Boundary.SchemaVersion),
			AllowInvalid:  cfg.Boundary.AllowInvalid,
			Environment:   cfg.Environment,
		},
		Budget:     time.Duration(p.RepairBudgetMS) * time.Millisecond,
		MaxCostUSD: p.MaxCostUSD,
	}
}

type Deps struct {
	Repair repair.Deps
	Cache  *plan.Cache
	Logger *logger.Logger
}

// Service is safe for concurrent use; each Process call owns its own
// pipeline context.
type Service struct {
	opts  Options
	orch  *repair.Orchestrator
	cache *plan.Cache
	log   *logger.Logger
}

func New(opts Options, deps Deps) *Service {
	log := logger.OrNop(deps.Logger)
	rd := deps.Repair
	if rd.Logger == nil {
		rd.Logger = log
	}
	return &Service{
		opts:  opts,
		orch:  repair.New(opts.Repair, rd),
		cache: deps.Cache,
		log:   log,
	}
}

type Request struct {
	Brief      string
	Draft      *model.Graph
	Rationales []string
	// SchemaVersion overrides the configured boundary version when set.
	SchemaVersion model.SchemaVersion
	// AllowInvalid is the per-request debug override. It only takes effect
	// in environments where boundary.OverrideAllowed holds.
	AllowInvalid bool
}

type BoundarySummary struct {
	Status          boundary.Status     `json:"status"`
	SchemaVersion   model.SchemaVersion `json:"schema_version"`
	Blockers        []boundary.Blocker  `json:"blockers,omitempty"`
	OverrideIgnored bool                `json:"override_ignored,omitempty"`
}

type STRPTrace struct {
	Mutations []audit.Record `json:"mutations"`
}

type ResponseTrace struct {
	RequestID   string            `json:"request_id"`
	Stage4      repair.Trace      `json:"stage4"`
	STRP        STRPTrace         `json:"strp"`
	NodeRenames map[string]string `json:"node_renames,omitempty"`
	Cost        plot.Usage        `json:"cost"`
	DurationMS  int64             `json:"duration_ms"`
}

type Response struct {
	Graph           *model.Graph                 `json:"graph"`
	GoalConstraints []constraints.GoalConstraint `json:"goal_constraints"`
	AnalysisReady   analysis.Ready               `json:"analysis_ready"`
	PlanID          string                       `json:"plan_id,omitempty"`
	PlanHash        string                       `json:"plan_hash,omitempty"`
	ContextHash     string                       `json:"context_hash,omitempty"`
	Confidence      plan.Confidence              `json:"confidence"`
	Rationales      []string                     `json:"rationales,omitempty"`
	PlanCacheHit    bool                         `json:"plan_cache_hit,omitempty"`
	Boundary        BoundarySummary              `json:"boundary"`
	Trace           ResponseTrace                `json:"trace"`
	// Layout positions every node of Graph for rendering.
	Layout *structure.Layout `json:"layout,omitempty"`
	// Error is set when the pipeline returned early or the boundary blocked
	// the graph. Graph is nil in both cases.
	Error *apierr.Error `json:"error,omitempty"`
}

// Blocked reports whether the response carries no usable graph.
func (r *Response) Blocked() bool {
	return r.Error != nil || r.Graph == nil
}

// Process runs req to completion. Terminal graph problems come back inside
// the Response; the error return is reserved for unusable input and
// internal failures.
func (s *Service) Process(ctx context.Context, req Request) (*Response, error) {
	if req.Draft == nil {
		return nil, apierr.InputInvalid(fmt.Errorf("draft graph is required"))
	}
	start := time.Now()
	pc := repair.NewPipelineContext(req.Brief, req.Draft, req.Rationales)
	pc.Budget = repair.NewBudget(s.opts.Budget, s.opts.MaxCostUSD)
	log := s.log.With("request_id", pc.RequestID)

	if err := s.orch.Run(ctx, pc); err != nil {
		return nil, err
	}
	var layout structure.Layout
	if pc.EarlyReturn == nil {
		layout = s.enforceCompliance(pc)
	}

	resp := &Response{
		GoalConstraints: pc.GoalConstraints,
		Trace: ResponseTrace{
			RequestID:   pc.RequestID,
			Stage4:      pc.Trace,
			STRP:        STRPTrace{Mutations: pc.Mutations()},
			NodeRenames: pc.NodeRenames,
			Cost:        pc.Cost,
		},
	}
	if resp.GoalConstraints == nil {
		resp.GoalConstraints = []constraints.GoalConstraint{}
	}
	defer func() { resp.Trace.DurationMS = time.Since(start).Milliseconds() }()

	bopts := s.opts.Boundary
	if req.SchemaVersion != "" {
		bopts.SchemaVersion = req.SchemaVersion
	}
	if bopts.SchemaVersion == "" {
		bopts.SchemaVersion = model.DefaultSchemaVersion
	}
	if req.AllowInvalid {
		bopts.AllowInvalid = true
	}
	resp.Boundary.SchemaVersion = bopts.SchemaVersion

	if er := pc.EarlyReturn; er != nil {
		log.Info("pipeline returned early", "step", er.Step, "status", er.Status)
		resp.Error = er.Err
		resp.AnalysisReady = analysis.Evaluate(nil, pc.Trace.Validation)
		resp.Boundary.Status = boundary.StatusBlocked
		return resp, nil
	}

	ann, hit, err := s.cache.GetOrAnnotate(ctx, pc.Graph, pc.Rationales, req.Brief, string(bopts.SchemaVersion))
	if err != nil {
		return nil, err
	}
	resp.PlanID = ann.PlanID
	resp.PlanHash = ann.PlanHash
	resp.ContextHash = ann.ContextHash
	resp.Confidence = ann.Confidence
	resp.Rationales = ann.Rationales
	resp.PlanCacheHit = hit

	resp.AnalysisReady = analysis.Evaluate(pc.Graph, pc.Trace.Validation)

	res, err := boundary.Check(pc.Graph, bopts)
	if err != nil {
		return nil, apierr.InputInvalid(err)
	}
	boundaryOutcomeTotal.WithLabelValues(string(res.Status), string(res.SchemaVersion)).Inc()
	resp.Boundary = BoundarySummary{
		Status:          res.Status,
		SchemaVersion:   res.SchemaVersion,
		Blockers:        res.Blockers,
		OverrideIgnored: res.OverrideIgnored,
	}
	switch res.Status {
	case boundary.StatusBlocked:
		log.Warn("boundary blocked graph", "schema_version", res.SchemaVersion, "blockers", len(res.Blockers), "override_ignored", res.OverrideIgnored)
		resp.Error = res.Err()
		resp.AnalysisReady = analysis.Ready{Status: analysis.StatusBlocked, Blockers: []analysis.Blocker{{
			BlockerType: analysis.BlockerStructure,
			Message:     "graph does not conform to schema " + string(res.SchemaVersion),
		}}}
		return resp, nil
	case boundary.StatusOverridden:
		log.Warn("boundary override honored", "schema_version", res.SchemaVersion, "blockers", len(res.Blockers))
	}
	resp.Graph = res.Graph
	resp.Layout = &layout

	log.Info("request complete",
		"analysis_status", resp.AnalysisReady.Status,
		"boundary_status", res.Status,
		"mutations", len(resp.Trace.STRP.Mutations),
		"fallback_reason", pc.Trace.RepairFallbackReason,
	)
	return resp, nil
}

// enforceCompliance canonicalizes the repaired graph, prunes isolated nodes
// and applies the size caps once more before the graph is annotated. Goal
// constraints on removed nodes are dropped.
func (s *Service) enforceCompliance(pc *repair.PipelineContext) structure.Layout {
	rep := structure.EnforceCompliance(pc.Graph, s.opts.Repair.Limits)
	rec := pc.Corrections.Stage(stageCompliance)
	for _, id := range rep.DroppedEdges {
		rec.Add(audit.Record{Code: CodeComplianceEdgeDropped, EdgeID: id, Field: "edge", Before: id})
	}
	for _, id := range rep.PrunedNodes {
		rec.Add(audit.Record{Code: CodeComplianceNodePruned, NodeID: id, Field: "node", Before: id})
	}
	for _, id := range rep.BrokenCycleEdges {
		rec.Add(audit.Record{Code: CodeComplianceCycleBroken, EdgeID: id, Field: "edge", Before: id})
	}
	for _, id := range rep.CappedNodes {
		rec.Add(audit.Record{Code: CodeComplianceNodeCapped, NodeID: id, Field: "node", Before: id})
	}
	for _, id := range rep.CappedEdges {
		rec.Add(audit.Record{Code: CodeComplianceEdgeCapped, EdgeID: id, Field: "edge", Before: id})
	}

	var kept []constraints.GoalConstraint
	for _, gc := range pc.GoalConstraints {
		if rep.Graph.HasNode(gc.NodeID) {
			kept = append(kept, gc)
			continue
		}
		rec.Add(audit.Record{
			Code:   strp.CodeConstraintTargetMissing,
			NodeID: gc.NodeID,
			Field:  "goal_constraints",
			Before: gc.ConstraintID,
			Reason: "constraint target removed by compliance",
		})
	}
	pc.Graph, pc.GoalConstraints = rep.Graph, kept
	return rep.Layout
}
