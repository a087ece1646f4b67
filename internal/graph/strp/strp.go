// Package strp reconciles field-level invariants on a graph. Each rule detects
// one kind of violation and applies a deterministic fix, emitting one
// mutation record per field or element touched.
package strp

import (
	"math"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/constraints"
	"github.com/danshapiro/cee/internal/graph/model"
)

const (
	CodeDanglingEdge            = "DANGLING_EDGE"
	CodeSelfLoop                = "SELF_LOOP"
	CodeCategoryOnNonFactor     = "CATEGORY_ON_NON_FACTOR"
	CodeExternalHasData         = "EXTERNAL_HAS_DATA"
	CodeObservableHasExtraData  = "OBSERVABLE_HAS_EXTRA_DATA"
	CodeControllableMissingData = "CONTROLLABLE_MISSING_DATA"
	CodeStrengthOutOfRange      = "STRENGTH_OUT_OF_RANGE"
	CodeEdgeSignMismatch        = "EDGE_SIGN_MISMATCH"
	CodeEdgeDirectionMissing    = "EDGE_DIRECTION_MISSING"
	CodeNegativeStd             = "NEGATIVE_STD"
	CodeBeliefOutOfRange        = "BELIEF_OUT_OF_RANGE"
	CodeConstraintTargetMissing = "CONSTRAINT_TARGET_MISSING"
	CodeEdgeStrengthDefaulted   = "EDGE_STRENGTH_DEFAULTED"
)

// DefaultStrength is the magnitude given to an edge the draft left
// unweighted. Such edges are marked origin default.
const DefaultStrength = 0.5

type Options struct {
	// FillControllableData backfills a missing controllable value from the
	// node's observed state or baseline instead of leaving it empty.
	FillControllableData bool
	// Stage stamps the returned mutations.
	Stage string
}

// Rule is one named invariant with its fix.
type Rule struct {
	Code        string
	Description string
	// FillOnly rules run only with FillControllableData.
	FillOnly bool
	apply    func(*pass)
}

// Rules lists every rule in the order it runs. Later rules see the fixes of
// earlier ones.
var Rules = []Rule{
	{Code: CodeDanglingEdge, Description: "edge endpoints must exist", apply: dropDanglingEdges},
	{Code: CodeSelfLoop, Description: "edges must not loop on one node", apply: dropSelfLoops},
	{Code: CodeCategoryOnNonFactor, Description: "only factors carry a category", apply: clearNonFactorCategory},
	{Code: CodeExternalHasData, Description: "external factors carry no local value, factor_type or uncertainty_drivers", apply: stripExternalData},
	{Code: CodeObservableHasExtraData, Description: "observable factors carry no factor_type or uncertainty_drivers", apply: stripObservableExtras},
	{Code: CodeControllableMissingData, Description: "controllable factors carry a value", FillOnly: true, apply: fillControllable},
	{Code: CodeStrengthOutOfRange, Description: "strength_mean lies in [-1, 1]", apply: clampStrength},
	{Code: CodeEdgeSignMismatch, Description: "strength sign matches effect_direction", apply: alignSign},
	{Code: CodeEdgeDirectionMissing, Description: "signed edges state their direction", apply: deriveDirection},
	{Code: CodeEdgeStrengthDefaulted, Description: "every edge carries strength_mean and effect_direction", FillOnly: true, apply: defaultStrength},
	{Code: CodeNegativeStd, Description: "strength_std is non-negative", apply: absStd},
	{Code: CodeBeliefOutOfRange, Description: "belief_exists lies in [0, 1]", apply: clampBelief},
	{Code: CodeConstraintTargetMissing, Description: "goal constraints target existing nodes", apply: dropOrphanConstraints},
}

type Result struct {
	Graph           *model.Graph
	GoalConstraints []constraints.GoalConstraint
	Mutations       []audit.Record
	// Violations counts mutations per rule code.
	Violations map[string]int
}

type pass struct {
	g     *model.Graph
	gcs   []constraints.GoalConstraint
	rule  string
	stage string
	rec   *audit.Recorder
	out   []audit.Record
	count map[string]int
}

func (p *pass) record(r audit.Record) {
	r.Code = p.rule
	r.Reason = p.rule
	r.Stage = p.stage
	p.out = append(p.out, r)
	p.count[p.rule]++
	p.rec.Add(r)
}

// Run applies every rule to a copy of g. The input graph and constraint slice
// are not modified. Running it again on its own result produces no mutations.
func Run(g *model.Graph, gcs []constraints.GoalConstraint, opts Options, rec *audit.Recorder) Result {
	p := &pass{
		g:     g.Clone(),
		gcs:   append([]constraints.GoalConstraint(nil), gcs...),
		stage: opts.Stage,
		rec:   rec,
		count: map[string]int{},
	}
	if p.g == nil {
		return Result{GoalConstraints: p.gcs, Violations: p.count}
	}
	for _, r := range Rules {
		if r.FillOnly && !opts.FillControllableData {
			continue
		}
		p.rule = r.Code
		r.apply(p)
	}
	return Result{Graph: p.g, GoalConstraints: p.gcs, Mutations: p.out, Violations: p.count}
}

func dropDanglingEdges(p *pass) {
	idx := p.g.NodeIndex()
	kept := p.g.Edges[:0]
	for _, e := range p.g.Edges {
		if idx[e.From] == nil || idx[e.To] == nil {
			p.record(audit.Record{EdgeID: e.ID, Field: "edge", Before: e.From + "->" + e.To})
			continue
		}
		kept = append(kept, e)
	}
	p.g.Edges = kept
}

func dropSelfLoops(p *pass) {
	kept := p.g.Edges[:0]
	for _, e := range p.g.Edges {
		if e.From == e.To {
			p.record(audit.Record{EdgeID: e.ID, NodeID: e.From, Field: "edge", Before: e.From + "->" + e.To})
			continue
		}
		kept = append(kept, e)
	}
	p.g.Edges = kept
}

func clearNonFactorCategory(p *pass) {
	for _, n := range p.g.Nodes {
		if n.Kind != model.KindFactor && n.Category != model.CategoryNone {
			p.record(audit.Record{NodeID: n.ID, Field: "category", Before: string(n.Category)})
			n.Category = model.CategoryNone
		}
	}
}

func factors(g *model.Graph, cat model.Category) []*model.Node {
	var out []*model.Node
	for _, n := range g.Nodes {
		if n.Kind == model.KindFactor && n.Category == cat {
			out = append(out, n)
		}
	}
	return out
}

func stripExternalData(p *pass) {
	for _, n := range factors(p.g, model.CategoryExternal) {
		if n.Data == nil {
			continue
		}
		if n.Data.Value != nil {
			p.record(audit.Record{NodeID: n.ID, Field: "data.value", Before: *n.Data.Value})
			n.Data.Value = nil
		}
		deleteExtras(p, n)
		if n.Data.Empty() {
			n.Data = nil
		}
	}
}

func stripObservableExtras(p *pass) {
	for _, n := range factors(p.g, model.CategoryObservable) {
		if n.Data == nil {
			continue
		}
		deleteExtras(p, n)
		if n.Data.Empty() {
			n.Data = nil
		}
	}
}

func deleteExtras(p *pass, n *model.Node) {
	if n.Data.FactorType != "" {
		p.record(audit.Record{NodeID: n.ID, Field: "data.factor_type", Before: n.Data.FactorType})
		n.Data.FactorType = ""
	}
	if len(n.Data.UncertaintyDrivers) > 0 {
		p.record(audit.Record{NodeID: n.ID, Field: "data.uncertainty_drivers", Before: append([]string{}, n.Data.UncertaintyDrivers...)})
		n.Data.UncertaintyDrivers = nil
	}
}

// fillControllable copies a value from observed state, then baseline. Nodes
// with neither stay empty and surface later as analysis blockers.
func fillControllable(p *pass) {
	for _, n := range factors(p.g, model.CategoryControllable) {
		if n.Data != nil && n.Data.Value != nil {
			continue
		}
		var src *float64
		unit := ""
		switch {
		case n.ObservedState != nil && n.ObservedState.Value != nil:
			src, unit = n.ObservedState.Value, n.ObservedState.Unit
		case n.Data != nil && n.Data.Baseline != nil:
			src = n.Data.Baseline
		default:
			continue
		}
		if n.Data == nil {
			n.Data = &model.NodeData{}
		}
		v := *src
		n.Data.Value = &v
		if n.Data.Unit == "" {
			n.Data.Unit = unit
		}
		p.record(audit.Record{NodeID: n.ID, Field: "data.value", After: v})
	}
}

func clampStrength(p *pass) {
	for _, e := range p.g.Edges {
		if e.StrengthMean == nil {
			continue
		}
		v := *e.StrengthMean
		c := math.Max(-1, math.Min(1, v))
		if c != v {
			p.record(audit.Record{EdgeID: e.ID, Field: "strength_mean", Before: v, After: c})
			e.StrengthMean = model.Float(c)
		}
	}
}

func alignSign(p *pass) {
	for _, e := range p.g.Edges {
		if e.StrengthMean == nil || *e.StrengthMean == 0 {
			continue
		}
		v := *e.StrengthMean
		wrong := (e.EffectDirection == model.DirectionPositive && v < 0) ||
			(e.EffectDirection == model.DirectionNegative && v > 0)
		if wrong {
			p.record(audit.Record{EdgeID: e.ID, Field: "strength_mean", Before: v, After: -v})
			e.StrengthMean = model.Float(-v)
		}
	}
}

func deriveDirection(p *pass) {
	for _, e := range p.g.Edges {
		if e.EffectDirection != model.DirectionUnset || e.StrengthMean == nil || *e.StrengthMean == 0 {
			continue
		}
		dir := model.DirectionPositive
		if *e.StrengthMean < 0 {
			dir = model.DirectionNegative
		}
		p.record(audit.Record{EdgeID: e.ID, Field: "effect_direction", After: string(dir)})
		e.EffectDirection = dir
	}
}

func defaultStrength(p *pass) {
	for _, e := range p.g.Edges {
		if e.StrengthMean != nil && e.EffectDirection != model.DirectionUnset {
			continue
		}
		if e.StrengthMean == nil {
			v := DefaultStrength
			if e.EffectDirection == model.DirectionNegative {
				v = -v
			}
			p.record(audit.Record{EdgeID: e.ID, Field: "strength_mean", After: v})
			e.StrengthMean = model.Float(v)
		}
		if e.EffectDirection == model.DirectionUnset {
			dir := model.DirectionPositive
			if *e.StrengthMean < 0 {
				dir = model.DirectionNegative
			}
			p.record(audit.Record{EdgeID: e.ID, Field: "effect_direction", After: string(dir)})
			e.EffectDirection = dir
		}
		if e.Origin != model.OriginDefault {
			p.record(audit.Record{EdgeID: e.ID, Field: "origin", Before: string(e.Origin), After: string(model.OriginDefault)})
			e.Origin = model.OriginDefault
		}
	}
}

func absStd(p *pass) {
	for _, e := range p.g.Edges {
		if e.StrengthStd != nil && *e.StrengthStd < 0 {
			v := *e.StrengthStd
			p.record(audit.Record{EdgeID: e.ID, Field: "strength_std", Before: v, After: -v})
			e.StrengthStd = model.Float(-v)
		}
	}
}

func clampBelief(p *pass) {
	for _, e := range p.g.Edges {
		if e.BeliefExists == nil {
			continue
		}
		v := *e.BeliefExists
		c := math.Max(0, math.Min(1, v))
		if c != v {
			p.record(audit.Record{EdgeID: e.ID, Field: "belief_exists", Before: v, After: c})
			e.BeliefExists = model.Float(c)
		}
	}
}

func dropOrphanConstraints(p *pass) {
	kept := p.gcs[:0]
	for _, gc := range p.gcs {
		if !p.g.HasNode(gc.NodeID) {
			p.record(audit.Record{ConstraintID: gc.ConstraintID, NodeID: gc.NodeID, Field: "goal_constraint", Before: gc.NodeID})
			continue
		}
		kept = append(kept, gc)
	}
	p.gcs = kept
}
