package strp

import (
	"testing"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/constraints"
	"github.com/danshapiro/cee/internal/graph/model"
)

func messyGraph() *model.Graph {
	return &model.Graph{
		Nodes: []*model.Node{
			{ID: "goal", Kind: model.KindGoal, Label: "Goal", Category: model.CategoryControllable},
			{ID: "fac_fx", Kind: model.KindFactor, Label: "FX rate", Category: model.CategoryExternal,
				Data: &model.NodeData{Value: model.Float(1.1), FactorType: "rate", UncertaintyDrivers: []string{"macro"}}},
			{ID: "fac_traffic", Kind: model.KindFactor, Label: "Traffic", Category: model.CategoryObservable,
				Data: &model.NodeData{Value: model.Float(900), FactorType: "count"}},
			{ID: "fac_price", Kind: model.KindFactor, Label: "Price", Category: model.CategoryControllable,
				ObservedState: &model.ObservedState{Value: model.Float(49), Unit: "USD"}},
			{ID: "fac_headcount", Kind: model.KindFactor, Label: "Headcount", Category: model.CategoryControllable},
			{ID: "out_rev", Kind: model.KindOutcome, Label: "Revenue"},
		},
		Edges: []*model.Edge{
			{ID: "fac_fx::out_rev::0", From: "fac_fx", To: "out_rev", StrengthMean: model.Float(0.4), EffectDirection: model.DirectionNegative},
			{ID: "fac_price::out_rev::0", From: "fac_price", To: "out_rev", StrengthMean: model.Float(1.7), StrengthStd: model.Float(-0.2)},
			{ID: "fac_traffic::out_rev::0", From: "fac_traffic", To: "out_rev", StrengthMean: model.Float(0.5), BeliefExists: model.Float(1.3)},
			{ID: "out_rev::goal::0", From: "out_rev", To: "goal", StrengthMean: model.Float(0.9)},
			{ID: "out_rev::out_rev::0", From: "out_rev", To: "out_rev"},
			{ID: "fac_ghost::goal::0", From: "fac_ghost", To: "goal"},
		},
	}
}

func TestRun_ExternalFactorLosesLocalData(t *testing.T) {
	g := &model.Graph{Nodes: []*model.Node{{
		ID: "fac_market", Kind: model.KindFactor, Category: model.CategoryExternal,
		Data: &model.NodeData{Value: model.Float(3), FactorType: "index", UncertaintyDrivers: []string{"demand", "rates"}},
	}}}
	log := audit.NewLog()
	res := Run(g, nil, Options{Stage: "strp_early"}, log.Stage("strp_early"))

	var external []audit.Record
	for _, m := range res.Mutations {
		if m.Reason == CodeExternalHasData {
			external = append(external, m)
		}
	}
	if len(external) != 3 {
		t.Fatalf("want 3 EXTERNAL_HAS_DATA records, got %+v", res.Mutations)
	}
	fields := map[string]bool{}
	for _, m := range external {
		fields[m.Field] = true
		if m.NodeID != "fac_market" || m.Stage != "strp_early" {
			t.Fatalf("record=%+v", m)
		}
	}
	for _, f := range []string{"data.value", "data.factor_type", "data.uncertainty_drivers"} {
		if !fields[f] {
			t.Fatalf("missing record for %s", f)
		}
	}
	if res.Graph.Node("fac_market").Data != nil {
		t.Fatalf("data should be cleared: %+v", res.Graph.Node("fac_market").Data)
	}
	if g.Nodes[0].Data.Value == nil {
		t.Fatalf("input mutated")
	}
	if log.Len() != 3 {
		t.Fatalf("log has %d records", log.Len())
	}
}

func TestRun_FixesEveryRuleOnce(t *testing.T) {
	gcs := []constraints.GoalConstraint{
		{ConstraintID: "constraint_fac_price_max", NodeID: "fac_price", Operator: constraints.OpLE, Value: 60},
		{ConstraintID: "constraint_fac_gone_min", NodeID: "fac_gone", Operator: constraints.OpGE, Value: 1},
	}
	res := Run(messyGraph(), gcs, Options{FillControllableData: true}, nil)
	want := map[string]int{
		CodeDanglingEdge:            1,
		CodeSelfLoop:                1,
		CodeCategoryOnNonFactor:     1,
		CodeExternalHasData:         3,
		CodeObservableHasExtraData:  1,
		CodeControllableMissingData: 1,
		CodeStrengthOutOfRange:      1,
		CodeEdgeSignMismatch:        1,
		CodeEdgeDirectionMissing:    3,
		CodeNegativeStd:             1,
		CodeBeliefOutOfRange:        1,
		CodeConstraintTargetMissing: 1,
	}
	for code, n := range want {
		if res.Violations[code] != n {
			t.Fatalf("%s: got %d want %d (all=%v)", code, res.Violations[code], n, res.Violations)
		}
	}
	g := res.Graph
	if len(g.Edges) != 4 {
		t.Fatalf("edges=%d", len(g.Edges))
	}
	if v := *g.Edge("fac_fx::out_rev::0").StrengthMean; v != -0.4 {
		t.Fatalf("sign not aligned: %v", v)
	}
	price := g.Node("fac_price")
	if price.Data == nil || *price.Data.Value != 49 || price.Data.Unit != "USD" {
		t.Fatalf("controllable fill: %+v", price.Data)
	}
	if g.Node("fac_headcount").Data != nil {
		t.Fatalf("headcount has no source and must stay empty")
	}
	if g.Node("fac_traffic").Data.Value == nil {
		t.Fatalf("observable keeps its value")
	}
	if len(res.GoalConstraints) != 1 || res.GoalConstraints[0].NodeID != "fac_price" {
		t.Fatalf("constraints=%+v", res.GoalConstraints)
	}
}

func TestRun_WithoutFillLeavesControllablesAlone(t *testing.T) {
	res := Run(messyGraph(), nil, Options{}, nil)
	if res.Violations[CodeControllableMissingData] != 0 {
		t.Fatalf("fill rule ran outside fill mode")
	}
	if res.Graph.Node("fac_price").Data != nil {
		t.Fatalf("price should not be filled")
	}
}

func TestRun_Idempotent(t *testing.T) {
	for _, fill := range []bool{false, true} {
		opts := Options{FillControllableData: fill}
		first := Run(messyGraph(), nil, opts, nil)
		second := Run(first.Graph, first.GoalConstraints, opts, nil)
		if len(second.Mutations) != 0 {
			t.Fatalf("fill=%v: second pass mutated: %+v", fill, second.Mutations)
		}
	}
}

func TestRun_NilGraph(t *testing.T) {
	res := Run(nil, nil, Options{}, nil)
	if res.Graph != nil || len(res.Mutations) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestRun_UnweightedEdgeGetsDefaultStrength(t *testing.T) {
	g := &model.Graph{
		Nodes: []*model.Node{
			{ID: "fac_a", Kind: model.KindFactor, Label: "A"},
			{ID: "fac_b", Kind: model.KindFactor, Label: "B"},
			{ID: "out", Kind: model.KindOutcome, Label: "Out"},
		},
		Edges: []*model.Edge{
			{ID: "fac_a::out::0", From: "fac_a", To: "out"},
			{ID: "fac_b::out::0", From: "fac_b", To: "out", EffectDirection: model.DirectionNegative, Origin: model.OriginExplicit},
		},
	}
	if res := Run(g, nil, Options{}, nil); res.Violations[CodeEdgeStrengthDefaulted] != 0 {
		t.Fatalf("defaulting ran outside fill mode")
	}

	res := Run(g, nil, Options{FillControllableData: true, Stage: "strp_late"}, nil)
	a := res.Graph.Edge("fac_a::out::0")
	if a.StrengthMean == nil || *a.StrengthMean != DefaultStrength || a.EffectDirection != model.DirectionPositive || a.Origin != model.OriginDefault {
		t.Fatalf("a=%+v", a)
	}
	b := res.Graph.Edge("fac_b::out::0")
	if b.StrengthMean == nil || *b.StrengthMean != -DefaultStrength || b.EffectDirection != model.DirectionNegative || b.Origin != model.OriginDefault {
		t.Fatalf("b=%+v", b)
	}
	// a: mean, direction, origin. b: mean, origin.
	if n := res.Violations[CodeEdgeStrengthDefaulted]; n != 5 {
		t.Fatalf("records=%d mutations=%+v", n, res.Mutations)
	}
	for _, m := range res.Mutations {
		if m.Code == CodeEdgeStrengthDefaulted && (m.EdgeID == "" || m.Field == "" || m.Stage != "strp_late") {
			t.Fatalf("record=%+v", m)
		}
	}
	if g.Edges[0].StrengthMean != nil {
		t.Fatalf("input mutated")
	}
	if again := Run(res.Graph, nil, Options{FillControllableData: true}, nil); len(again.Mutations) != 0 {
		t.Fatalf("second pass mutated: %+v", again.Mutations)
	}
}
