package analysis

import (
	"testing"

	"github.com/danshapiro/cee/internal/graph/connectivity"
	"github.com/danshapiro/cee/internal/graph/model"
)

var valid = connectivity.Summary{Status: connectivity.StatusValid}

func graphWith(factors ...*model.Node) *model.Graph {
	g := &model.Graph{Nodes: []*model.Node{
		{ID: "goal", Kind: model.KindGoal, Label: "Goal"},
		{ID: "dec", Kind: model.KindDecision, Label: "Decision"},
		{ID: "opt_a", Kind: model.KindOption, Label: "A"},
	}}
	g.Nodes = append(g.Nodes, factors...)
	return g
}

func link(from, to string) *model.Edge {
	return &model.Edge{From: from, To: to, StrengthMean: model.Float(0.5)}
}

func TestEvaluate_ParallelEdgesYieldOneBlocker(t *testing.T) {
	g := graphWith(&model.Node{ID: "fac_price", Kind: model.KindFactor, Label: "Price", Category: model.CategoryControllable})
	g.Edges = []*model.Edge{link("opt_a", "fac_price"), link("opt_a", "fac_price")}

	r := Evaluate(g, valid)
	if r.Status != StatusNeedsUserInput {
		t.Fatalf("status=%q", r.Status)
	}
	if len(r.Blockers) != 1 {
		t.Fatalf("blockers=%+v", r.Blockers)
	}
	b := r.Blockers[0]
	if b.FactorID != "fac_price" || b.FactorLabel != "Price" || b.BlockerType != BlockerMissingValue || b.SuggestedAction == "" {
		t.Fatalf("blocker=%+v", b)
	}
}

func TestEvaluate_MappingOutranksInput(t *testing.T) {
	g := graphWith(
		&model.Node{ID: "fac_price", Kind: model.KindFactor, Label: "Price", Category: model.CategoryControllable},
		&model.Node{ID: "fac_mood", Kind: model.KindFactor, Label: "Mood"},
	)
	g.Edges = []*model.Edge{link("opt_a", "fac_price"), link("opt_a", "fac_mood")}
	r := Evaluate(g, valid)
	if r.Status != StatusNeedsUserMapping || len(r.Blockers) != 2 {
		t.Fatalf("r=%+v", r)
	}
	if r.Blockers[0].FactorID != "fac_mood" {
		t.Fatalf("blockers not sorted: %+v", r.Blockers)
	}
}

func TestEvaluate_Ready(t *testing.T) {
	g := graphWith(
		&model.Node{ID: "fac_price", Kind: model.KindFactor, Label: "Price", Category: model.CategoryControllable,
			ObservedState: &model.ObservedState{Value: model.Float(10)}},
		&model.Node{ID: "fac_fx", Kind: model.KindFactor, Label: "FX", Category: model.CategoryExternal},
	)
	g.Edges = []*model.Edge{link("opt_a", "fac_price"), link("opt_a", "fac_fx"), link("dec", "opt_a")}
	if r := Evaluate(g, valid); r.Status != StatusReady || len(r.Blockers) != 0 {
		t.Fatalf("r=%+v", r)
	}
}

func TestEvaluate_Blocked(t *testing.T) {
	if r := Evaluate(nil, valid); r.Status != StatusBlocked {
		t.Fatalf("nil graph: %+v", r)
	}
	summary := connectivity.Summary{Status: connectivity.StatusInvalid, MissingKinds: []model.NodeKind{model.KindDecision}}
	if r := Evaluate(graphWith(), summary); r.Status != StatusBlocked || r.Blockers[0].BlockerType != BlockerStructure {
		t.Fatalf("missing kinds: %+v", r)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"ready":              StatusReady,
		" Needs-User-Input ": StatusNeedsUserInput,
		"needs user mapping": StatusNeedsUserMapping,
		"BLOCKED":            StatusBlocked,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseStatus(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatalf("expected error")
	}
}
