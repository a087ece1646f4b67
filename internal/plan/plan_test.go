package plan

import (
	"math"
	"strings"
	"testing"

	"github.com/danshapiro/cee/internal/graph/model"
)

func sample() *model.Graph {
	return &model.Graph{
		Version: "v3",
		Nodes: []*model.Node{
			{ID: "goal", Kind: model.KindGoal, Label: "Grow revenue"},
			{ID: "dec", Kind: model.KindDecision, Label: "Pricing"},
			{ID: "opt_a", Kind: model.KindOption, Label: "Raise"},
			{ID: "fac_churn", Kind: model.KindFactor, Label: "Churn"},
		},
		Edges: []*model.Edge{
			{ID: "dec::opt_a::0", From: "dec", To: "opt_a", StrengthMean: model.Float(1)},
			{ID: "opt_a::fac_churn::0", From: "opt_a", To: "fac_churn", StrengthMean: model.Float(0.4)},
			{ID: "opt_a::fac_churn::1", From: "opt_a", To: "fac_churn", StrengthMean: model.Float(0.2)},
			{ID: "fac_churn::goal::0", From: "fac_churn", To: "goal", StrengthMean: model.Float(-0.6)},
		},
	}
}

func TestHash_OrderInvariant(t *testing.T) {
	g := sample()
	base := Hash(g, nil, ComputeConfidence(g))
	if len(base) != 64 {
		t.Fatalf("hash length=%d", len(base))
	}

	shuffled := sample()
	n := shuffled.Nodes
	n[0], n[3] = n[3], n[0]
	e := shuffled.Edges
	e[0], e[3] = e[3], e[0]
	// Swap the parallel edges' ids and positions.
	e[1], e[2] = e[2], e[1]
	e[1].ID, e[2].ID = e[2].ID, e[1].ID
	shuffled.Version = "v2"
	shuffled.Meta = map[string]any{"source": "test"}

	if got := Hash(shuffled, nil, ComputeConfidence(shuffled)); got != base {
		t.Fatalf("hash changed under reordering: %s != %s", got, base)
	}
}

func TestHash_Sensitivity(t *testing.T) {
	g := sample()
	conf := ComputeConfidence(g)
	base := Hash(g, []string{"because"}, conf)

	changedNode := sample()
	changedNode.Nodes[1].Label = "Pricing model"
	changedEdge := sample()
	changedEdge.Edges[0].StrengthMean = model.Float(0.9)

	cases := map[string]string{
		"node":       Hash(changedNode, []string{"because"}, conf),
		"edge":       Hash(changedEdge, []string{"because"}, conf),
		"rationale":  Hash(g, []string{"since"}, conf),
		"confidence": Hash(g, []string{"because"}, Confidence{Structure: conf.Structure, Parameters: 0.5}),
	}
	for name, h := range cases {
		if h == base {
			t.Fatalf("%s change did not change the hash", name)
		}
	}
}

func TestComputeConfidence_IgnoresDanglingEdges(t *testing.T) {
	g := sample()
	g.Nodes = append(g.Nodes, &model.Node{ID: "lonely", Kind: model.KindRisk, Label: "Lonely"})
	g.Edges = append(g.Edges,
		&model.Edge{From: "lonely", To: "ghost", StrengthMean: model.Float(0.1)},
		&model.Edge{From: "dec", To: "goal"},
	)
	c := ComputeConfidence(g)
	if c.Structure != 0.8 {
		t.Fatalf("structure=%v want 0.8", c.Structure)
	}
	if c.Parameters != 0.8 {
		t.Fatalf("parameters=%v want 0.8", c.Parameters)
	}
	if (ComputeConfidence(&model.Graph{}) != Confidence{}) {
		t.Fatalf("empty graph must score zero")
	}
}

func TestTruncateRationales(t *testing.T) {
	var in []string
	for i := 0; i < MaxRationales+3; i++ {
		in = append(in, strings.Repeat("x", MaxRationaleRunes+10))
	}
	in = append([]string{"  "}, in...)
	out := TruncateRationales(in)
	if len(out) != MaxRationales {
		t.Fatalf("len=%d", len(out))
	}
	for _, r := range out {
		if len([]rune(r)) != MaxRationaleRunes {
			t.Fatalf("rationale not truncated: %d runes", len([]rune(r)))
		}
	}
}

func TestHash_UsesTruncatedRationales(t *testing.T) {
	g := sample()
	long := strings.Repeat("y", MaxRationaleRunes) + "tail that is never persisted"
	a := Annotate(g, []string{long})
	b := Annotate(g, []string{strings.Repeat("y", MaxRationaleRunes)})
	if a.PlanHash != b.PlanHash {
		t.Fatalf("hash must reflect the persisted rationale only")
	}
	if a.PlanID == b.PlanID {
		t.Fatalf("plan ids must be fresh per call")
	}
}

func TestContextHash(t *testing.T) {
	if ContextHash("ab", "c") == ContextHash("a", "bc") {
		t.Fatalf("context parts must be delimited")
	}
	if ContextHash("brief") != ContextHash("brief") {
		t.Fatalf("context hash must be deterministic")
	}
}

func TestComputeConfidence_DefaultedStrengthIsNotExplicit(t *testing.T) {
	g := sample()
	g.Edges[1].Origin = model.OriginDefault
	if c := ComputeConfidence(g); c.Parameters != 0.75 {
		t.Fatalf("parameters=%v want 0.75", c.Parameters)
	}
}

func TestHash_NonFiniteNumbers(t *testing.T) {
	clean := Hash(sample(), nil, Confidence{})
	with := func(v float64, node bool) string {
		g := sample()
		if node {
			g.Nodes[3].Data = &model.NodeData{Value: model.Float(v)}
		} else {
			g.Edges[0].StrengthMean = model.Float(v)
		}
		return Hash(g, nil, Confidence{})
	}
	seen := map[string]string{clean: "clean"}
	for name, h := range map[string]string{
		"edge NaN":  with(math.NaN(), false),
		"edge +Inf": with(math.Inf(1), false),
		"edge -Inf": with(math.Inf(-1), false),
		"node NaN":  with(math.NaN(), true),
		"node +Inf": with(math.Inf(1), true),
		"node 0":    with(0, true),
	} {
		if len(h) != 64 {
			t.Fatalf("%s: hash=%q", name, h)
		}
		if other, dup := seen[h]; dup {
			t.Fatalf("%s collides with %s", name, other)
		}
		seen[h] = name
	}
	if with(math.NaN(), false) != with(math.NaN(), false) {
		t.Fatalf("NaN hash must be deterministic")
	}
}
