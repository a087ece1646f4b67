package repair

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/graph/validate"
	"github.com/danshapiro/cee/internal/logger"
	"github.com/danshapiro/cee/internal/plot"
)

const tracerName = "github.com/danshapiro/cee/internal/repair"

type Config struct {
	EnforceSingleGoal bool
	// OrchestratorValidation turns on the entry validation gate.
	OrchestratorValidation    bool
	ClarifierEnabled          bool
	ClarifierQualityThreshold float64
	MaxRepairRetries          int
	Limits                    structure.Limits
	RequiredKinds             map[model.NodeKind]int
	ReservedGlobs             []string
}

// DefaultConfig matches the documented configuration defaults.
func DefaultConfig() Config {
	return Config{
		EnforceSingleGoal:         true,
		ClarifierQualityThreshold: 0.8,
		MaxRepairRetries:          1,
		Limits:                    structure.Limits{MaxNodes: 50, MaxEdges: 200},
	}
}

// Deps are the collaborators a pipeline calls out to. Nil fields get local
// or no-op implementations.
type Deps struct {
	Validator    plot.Validator
	Repairer     plot.Repairer
	Orchestrator OrchestratorValidator
	Clarifier    Clarifier
	Logger       *logger.Logger
}

// Orchestrator runs the ten Stage-4 substeps in order. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	cfg          Config
	validator    plot.Validator
	local        plot.LocalEngine
	repairer     plot.Repairer
	orchestrator OrchestratorValidator
	clarifier    Clarifier
	log          *logger.Logger
	tracer       trace.Tracer
	steps        *StepRegistry
}

func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		local:    plot.LocalEngine{Options: validate.Options{RequiredKinds: cfg.RequiredKinds}, Limits: cfg.Limits},
		repairer: deps.Repairer,
		log:      logger.OrNop(deps.Logger),
		tracer:   otel.Tracer(tracerName),
	}
	o.validator = deps.Validator
	if o.validator == nil {
		o.validator = o.local
	}
	if o.repairer == nil {
		o.repairer = NoopRepairer{}
	}
	o.orchestrator = NoopOrchestrator{}
	if cfg.OrchestratorValidation {
		o.orchestrator = deps.Orchestrator
		if o.orchestrator == nil {
			o.orchestrator = DeterministicSweep{Options: validate.Options{RequiredKinds: cfg.RequiredKinds}}
		}
	}
	o.clarifier = NoopClarifier{}
	if cfg.ClarifierEnabled && deps.Clarifier != nil {
		o.clarifier = deps.Clarifier
	}

	o.steps = NewStepRegistry()
	o.steps.Register(orchestratorValidationStep{o})
	o.steps.Register(plotValidationStep{o})
	o.steps.Register(edgeIDStep{})
	o.steps.Register(goalMergeStep{o})
	o.steps.Register(compoundGoalsStep{o})
	o.steps.Register(strpLateStep{})
	o.steps.Register(edgeRestoreStep{})
	o.steps.Register(connectivityStep{o})
	o.steps.Register(clarifierStep{o})
	o.steps.Register(structuralParseStep{o})
	return o
}

// Steps lists the substeps in execution order.
func (o *Orchestrator) Steps() []Step { return o.steps.List() }

// Run executes the pipeline against pc. It does nothing when pc has no
// graph. It stops after the first substep that sets pc.EarlyReturn.
func (o *Orchestrator) Run(ctx context.Context, pc *PipelineContext) error {
	if pc == nil || pc.Graph == nil {
		return nil
	}
	if pc.Corrections == nil {
		pc.Corrections = audit.NewLog()
	}
	if pc.NodeRenames == nil {
		pc.NodeRenames = map[string]string{}
	}
	ctx, span := o.tracer.Start(ctx, "repair.stage4", trace.WithAttributes(
		attribute.String("request_id", pc.RequestID),
		attribute.Int("nodes", len(pc.Graph.Nodes)),
		attribute.Int("edges", len(pc.Graph.Edges)),
	))
	defer span.End()

	for _, st := range o.steps.List() {
		if err := o.runStep(ctx, st, pc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "substep failed")
			return fmt.Errorf("repair %s: %w", st.ID(), err)
		}
		if er := pc.EarlyReturn; er != nil {
			repairEarlyReturnTotal.WithLabelValues(er.Step, strconv.Itoa(er.Status)).Inc()
			span.AddEvent("early_return", trace.WithAttributes(
				attribute.String("step", er.Step),
				attribute.Int("status", er.Status),
			))
			o.log.Info("pipeline returned early",
				"request_id", pc.RequestID,
				"step", er.Step,
				"status", er.Status,
				"violations", len(er.Err.Violations),
			)
			return nil
		}
	}
	span.SetAttributes(
		attribute.String("fallback_reason", string(pc.Trace.RepairFallbackReason)),
		attribute.Int("mutations", pc.Corrections.Len()),
	)
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, st Step, pc *PipelineContext) error {
	ctx, span := o.tracer.Start(ctx, "repair."+st.ID())
	defer span.End()

	start := time.Now()
	before := pc.Corrections.Len()
	o.log.Debug("substep start", "request_id", pc.RequestID, "step", st.ID())

	err := st.Run(ctx, pc)

	elapsed := time.Since(start)
	repairStepDuration.WithLabelValues(st.ID()).Observe(elapsed.Seconds())
	added := pc.Corrections.Since(before)
	for _, r := range added {
		repairMutationsTotal.WithLabelValues(r.Stage, r.Code).Inc()
	}
	tr := StepTrace{Name: st.ID(), DurationMS: elapsed.Milliseconds(), Mutations: len(added)}
	var sk skipped
	if errors.As(err, &sk) {
		tr.Skipped = sk.reason
		span.SetAttributes(attribute.String("skipped", sk.reason))
		err = nil
	}
	pc.Trace.Steps = append(pc.Trace.Steps, tr)
	span.SetAttributes(attribute.Int("mutations", len(added)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) canLLMRepair() bool {
	if o.cfg.MaxRepairRetries <= 0 {
		return false
	}
	_, noop := o.repairer.(NoopRepairer)
	return !noop
}

// validate asks the configured validator, falling back to the local rules
// when the downstream engine cannot be reached.
func (o *Orchestrator) validate(ctx context.Context, pc *PipelineContext, g *model.Graph) plot.ValidateResult {
	res, err := o.validator.ValidateGraph(ctx, g)
	if err == nil {
		return res
	}
	o.log.Warn("downstream validation unavailable, using local rules",
		"request_id", pc.RequestID,
		"error", err,
		"retryable", plot.IsRetryable(err),
	)
	pc.Trace.PlotUnavailable = true
	res, err = o.local.ValidateGraph(context.WithoutCancel(ctx), g)
	if err != nil {
		return plot.ValidateResult{Violations: []string{err.Error()}}
	}
	return res
}

// llmRepair runs up to MaxRepairRetries rounds of repair, stabilization and
// revalidation. It returns FallbackNone with the repaired graph on success.
func (o *Orchestrator) llmRepair(ctx context.Context, pc *PipelineContext, g *model.Graph, violations []string) (*model.Graph, FallbackReason) {
	if !o.canLLMRepair() {
		return nil, FallbackLLMRepairError
	}
	cur := g
	reason := FallbackNone
	for attempt := 0; attempt < o.cfg.MaxRepairRetries; attempt++ {
		if pc.Budget.Exceeded(ctx, pc.Cost) {
			return nil, FallbackBudgetExceeded
		}
		pc.stash().Add(cur)
		pc.Trace.LLMRepairAttempts++
		rr, err := o.repairer.RepairGraph(ctx, cur, violations)
		pc.addCost(rr.Usage)
		if err != nil {
			o.log.Warn("llm repair failed", "request_id", pc.RequestID, "attempt", attempt+1, "error", err)
			return nil, FallbackLLMRepairError
		}
		stable, broken, err := structure.StabilizeDAG(rr.Graph)
		if err != nil {
			o.log.Warn("repaired graph could not be stabilized", "request_id", pc.RequestID, "error", err)
			return nil, FallbackDAGTransformFailed
		}
		pc.Trace.BrokenCycleEdges = append(pc.Trace.BrokenCycleEdges, broken...)

		res := o.validate(ctx, pc, stable)
		if res.OK {
			if res.Normalized != nil {
				return res.Normalized, FallbackNone
			}
			return stable, FallbackNone
		}
		violations = res.Violations
		pc.Trace.PlotViolations = violations
		cur = stable
		reason = FallbackRevalidationFailed
	}
	return nil, reason
}
