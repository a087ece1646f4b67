// Package repair runs the Stage-4 pipeline that turns a drafted decision
// graph into a canonical, acyclic, analyzable one.
package repair

import (
	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/cee/internal/apierr"
	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/connectivity"
	"github.com/danshapiro/cee/internal/graph/constraints"
	"github.com/danshapiro/cee/internal/graph/edgestash"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/plot"
)

type FallbackReason string

const (
	FallbackNone               FallbackReason = ""
	FallbackBudgetExceeded     FallbackReason = "budget_exceeded"
	FallbackRevalidationFailed FallbackReason = "revalidation_failed"
	FallbackLLMRepairError     FallbackReason = "llm_repair_error"
	FallbackDAGTransformFailed FallbackReason = "dag_transform_failed"
)

// EarlyReturn ends the pipeline before packaging. Only the entry validation
// gate and the final structural parse set it.
type EarlyReturn struct {
	Status int           `json:"status"`
	Step   string        `json:"step"`
	Err    *apierr.Error `json:"error"`
}

// StepTrace is the per-substep timing and mutation count.
type StepTrace struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Mutations  int    `json:"mutations"`
	Skipped    string `json:"skipped,omitempty"`
}

// Trace is what the pipeline reports about itself.
type Trace struct {
	Steps []StepTrace `json:"steps"`

	OrchestratorLLMRepairNeeded bool `json:"orchestrator_llm_repair_needed,omitempty"`

	RepairFallbackReason FallbackReason `json:"repair_fallback_reason,omitempty"`
	LLMRepairAttempts    int            `json:"llm_repair_attempts"`
	PlotViolations       []string       `json:"plot_violations,omitempty"`
	PlotUnavailable      bool           `json:"plot_unavailable,omitempty"`
	BrokenCycleEdges     []string       `json:"broken_cycle_edges,omitempty"`

	SingleGoalApplied bool              `json:"single_goal_applied"`
	ConstraintStats   constraints.Stats `json:"constraint_stats"`
	RestoredEdgeCount int               `json:"restored_edge_count"`

	Validation connectivity.Summary `json:"validation"`

	QualityScore     float64 `json:"quality_score"`
	ClarifierApplied bool    `json:"clarifier_applied,omitempty"`
	ClarifierSkipped string  `json:"clarifier_skipped,omitempty"`
	ClarifierError   string  `json:"clarifier_error,omitempty"`
}

// PipelineContext is owned by one request and passed by reference through
// every substep.
type PipelineContext struct {
	RequestID  string
	Brief      string
	Graph      *model.Graph
	Rationales []string
	Confidence float64
	Cost       plot.Usage

	// NodeRenames maps superseded node ids to their survivors.
	NodeRenames     map[string]string
	GoalConstraints []constraints.GoalConstraint
	Corrections     *audit.Log
	EdgeStash       *edgestash.Stash

	Budget      Budget
	Trace       Trace
	EarlyReturn *EarlyReturn
}

// NewPipelineContext starts a context for one request. The draft is cloned so
// the caller's graph is never touched.
func NewPipelineContext(brief string, draft *model.Graph, rationales []string) *PipelineContext {
	return &PipelineContext{
		RequestID:   NewRequestID(),
		Brief:       brief,
		Graph:       draft.Clone(),
		Rationales:  append([]string(nil), rationales...),
		NodeRenames: map[string]string{},
		Corrections: audit.NewLog(),
	}
}

func NewRequestID() string {
	return ulid.Make().String()
}

// Mutations returns every correction recorded so far.
func (pc *PipelineContext) Mutations() []audit.Record {
	if pc == nil {
		return nil
	}
	return pc.Corrections.Records()
}

func (pc *PipelineContext) addCost(u plot.Usage) {
	pc.Cost = pc.Cost.Add(u)
}

func (pc *PipelineContext) stash() *edgestash.Stash {
	if pc.EdgeStash == nil {
		pc.EdgeStash = edgestash.Capture(nil)
	}
	return pc.EdgeStash
}
