package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/danshapiro/cee/internal/analysis"
	"github.com/danshapiro/cee/internal/apierr"
	"github.com/danshapiro/cee/internal/boundary"
	"github.com/danshapiro/cee/internal/config"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/plot"
	"github.com/danshapiro/cee/internal/repair"
)

type echoRepairer struct{ calls int }

func (r *echoRepairer) RepairGraph(_ context.Context, g *model.Graph, _ []string) (plot.RepairResult, error) {
	r.calls++
	return plot.RepairResult{Graph: g.Clone(), Usage: plot.Usage{InputTokens: 100, OutputTokens: 50}}, nil
}

type failingValidator struct{ calls int }

func (v *failingValidator) ValidateGraph(context.Context, *model.Graph) (plot.ValidateResult, error) {
	v.calls++
	return plot.ValidateResult{Violations: []string{"engine: factor coverage too low"}}, nil
}

func edge(from, to string, s float64) *model.Edge {
	return &model.Edge{From: from, To: to, StrengthMean: model.Float(s)}
}

func draft() *model.Graph {
	return &model.Graph{
		Nodes: []*model.Node{
			{ID: "goal", Kind: model.KindGoal, Label: "Grow revenue"},
			{ID: "dec", Kind: model.KindDecision, Label: "Pricing"},
			{ID: "opt_a", Kind: model.KindOption, Label: "Raise prices"},
			{ID: "opt_b", Kind: model.KindOption, Label: "Hold prices"},
			{ID: "out_rev", Kind: model.KindOutcome, Label: "Revenue"},
		},
		Edges: []*model.Edge{
			edge("dec", "opt_a", 1),
			edge("dec", "opt_b", 1),
			edge("opt_a", "out_rev", 0.6),
			edge("opt_b", "out_rev", 0.2),
			edge("out_rev", "goal", 0.9),
		},
	}
}

func newService(t *testing.T, mutate func(*config.Config), deps Deps) *Service {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return New(OptionsFromConfig(cfg), deps)
}

func process(t *testing.T, s *Service, req Request) *Response {
	t.Helper()
	resp, err := s.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return resp
}

func TestProcess_CleanDraft(t *testing.T) {
	resp := process(t, newService(t, nil, Deps{}), Request{Brief: "Grow revenue", Draft: draft(), Rationales: []string{"pricing drives revenue"}})

	if resp.Blocked() || resp.Boundary.Status != boundary.StatusPassed || resp.Boundary.SchemaVersion != model.SchemaV3 {
		t.Fatalf("resp=%+v", resp)
	}
	if len(resp.PlanID) != 36 || len(resp.PlanHash) != 64 || len(resp.ContextHash) != 64 {
		t.Fatalf("plan ids: %q %q %q", resp.PlanID, resp.PlanHash, resp.ContextHash)
	}
	if resp.AnalysisReady.Status != analysis.StatusReady {
		t.Fatalf("analysis=%+v", resp.AnalysisReady)
	}
	if resp.GoalConstraints == nil || len(resp.Trace.Stage4.Steps) != 10 || resp.Trace.RequestID == "" {
		t.Fatalf("trace=%+v", resp.Trace)
	}
	for _, e := range resp.Graph.Edges {
		if e.ID == "" || e.EffectDirection == model.DirectionUnset {
			t.Fatalf("edge not canonical: %+v", e)
		}
	}
}

func TestProcess_UnweightedEdgePassesBoundary(t *testing.T) {
	g := draft()
	g.Edges[0].StrengthMean = nil

	resp := process(t, newService(t, nil, Deps{}), Request{Brief: "Grow revenue", Draft: g})

	if resp.Blocked() || resp.Boundary.Status != boundary.StatusPassed {
		t.Fatalf("boundary=%+v error=%+v", resp.Boundary, resp.Error)
	}
	var defaulted *model.Edge
	for _, e := range resp.Graph.Edges {
		if e.From == "dec" && e.To == "opt_a" {
			defaulted = e
		}
	}
	if defaulted == nil || defaulted.StrengthMean == nil || defaulted.EffectDirection == model.DirectionUnset || defaulted.Origin != model.OriginDefault {
		t.Fatalf("edge=%+v", defaulted)
	}
	fields := map[string]bool{}
	for _, r := range resp.Trace.STRP.Mutations {
		if r.Code == "EDGE_STRENGTH_DEFAULTED" {
			fields[r.Field] = true
		}
	}
	if !fields["strength_mean"] || !fields["effect_direction"] || !fields["origin"] {
		t.Fatalf("default records=%v", fields)
	}
	if resp.Confidence.Parameters != 0.8 {
		t.Fatalf("defaulted strength counted as explicit: %+v", resp.Confidence)
	}
}

func TestProcess_CompliancePrunesAndLaysOut(t *testing.T) {
	g := draft()
	g.Nodes = append(g.Nodes, &model.Node{ID: "fac_noise", Kind: model.KindFactor, Label: "Noise"})

	resp := process(t, newService(t, nil, Deps{}), Request{Brief: "Grow revenue", Draft: g})

	if resp.Blocked() {
		t.Fatalf("blocked: %+v", resp.Error)
	}
	if resp.Graph.HasNode("fac_noise") {
		t.Fatalf("isolated factor survived: %v", resp.Graph.NodeIDs())
	}
	pruned := false
	for _, r := range resp.Trace.STRP.Mutations {
		pruned = pruned || (r.Code == CodeComplianceNodePruned && r.NodeID == "fac_noise" && r.Stage == stageCompliance)
	}
	if !pruned {
		t.Fatalf("no prune record: %+v", resp.Trace.STRP.Mutations)
	}

	for i := 1; i < len(resp.Graph.Nodes); i++ {
		if resp.Graph.Nodes[i-1].ID > resp.Graph.Nodes[i].ID {
			t.Fatalf("nodes not sorted: %v", resp.Graph.NodeIDs())
		}
	}
	lay := resp.Layout
	if lay == nil || len(lay.Positions) != len(resp.Graph.Nodes) {
		t.Fatalf("layout=%+v", lay)
	}
	if len(lay.Roots) != 1 || lay.Roots[0] != "dec" || len(lay.Leaves) != 1 || lay.Leaves[0] != "goal" {
		t.Fatalf("roots=%v leaves=%v", lay.Roots, lay.Leaves)
	}
	if lay.Positions["goal"].Y <= lay.Positions["out_rev"].Y || lay.Positions["out_rev"].Y <= lay.Positions["dec"].Y {
		t.Fatalf("positions=%+v", lay.Positions)
	}

	blocked := draft()
	blocked.Nodes[2].Label = ""
	if resp := process(t, newService(t, nil, Deps{}), Request{Draft: blocked}); resp.Layout != nil {
		t.Fatalf("blocked response carries a layout")
	}
}

func TestProcess_TwoGoalsAndCycle(t *testing.T) {
	g := draft()
	g.Nodes = append(g.Nodes, &model.Node{ID: "goal_margin", Kind: model.KindGoal, Label: "Grow margin"})
	g.Edges = append(g.Edges, edge("opt_a", "opt_b", 0.3), edge("opt_b", "opt_a", 0.3), edge("opt_b", "goal_margin", 0.4))
	rep := &echoRepairer{}

	resp := process(t, newService(t, nil, Deps{Repair: repair.Deps{Repairer: rep}}), Request{Brief: "We want to grow revenue.", Draft: g})

	if resp.Blocked() {
		t.Fatalf("blocked: %+v", resp.Error)
	}
	if n := resp.Graph.CountKind(model.KindGoal); n != 1 {
		t.Fatalf("goals=%d", n)
	}
	if structure.HasCycle(resp.Graph) {
		t.Fatalf("graph still cyclic")
	}
	if len(resp.Trace.NodeRenames) == 0 {
		t.Fatalf("no renames recorded")
	}
	if rep.calls != 1 || resp.Trace.Cost.Total() != 150 {
		t.Fatalf("repair calls=%d cost=%+v", rep.calls, resp.Trace.Cost)
	}
}

func TestProcess_ExternalFactorData(t *testing.T) {
	g := draft()
	g.Nodes = append(g.Nodes, &model.Node{
		ID: "fac_market", Kind: model.KindFactor, Label: "Market", Category: model.CategoryExternal,
		Data: &model.NodeData{Value: model.Float(3), FactorType: "index", UncertaintyDrivers: []string{"rates"}},
	})
	g.Edges = append(g.Edges, edge("fac_market", "out_rev", 0.3))

	resp := process(t, newService(t, nil, Deps{}), Request{Draft: g})

	n := 0
	for _, r := range resp.Trace.STRP.Mutations {
		if r.Reason == "EXTERNAL_HAS_DATA" {
			n++
		}
	}
	if n != 3 {
		t.Fatalf("EXTERNAL_HAS_DATA mutations=%d", n)
	}
	if fac := resp.Graph.Node("fac_market"); fac == nil || !fac.Data.Empty() {
		t.Fatalf("external factor kept data: %+v", fac)
	}
}

func TestProcess_RevalidationFailureFallsBack(t *testing.T) {
	val := &failingValidator{}
	s := newService(t, func(c *config.Config) {
		c.Pipeline.MaxNodes = 4
		c.Pipeline.MaxEdges = 4
	}, Deps{Repair: repair.Deps{Validator: val, Repairer: &echoRepairer{}}})

	resp := process(t, s, Request{Draft: draft()})

	if resp.Trace.Stage4.RepairFallbackReason != repair.FallbackRevalidationFailed {
		t.Fatalf("reason=%q", resp.Trace.Stage4.RepairFallbackReason)
	}
	if val.calls != 2 {
		t.Fatalf("validator calls=%d", val.calls)
	}
	if resp.Graph != nil && (len(resp.Graph.Nodes) > 4 || len(resp.Graph.Edges) > 4) {
		t.Fatalf("caps exceeded: %d nodes %d edges", len(resp.Graph.Nodes), len(resp.Graph.Edges))
	}
}

func TestProcess_ConstraintRemapsToExistingFactor(t *testing.T) {
	g := draft()
	g.Nodes = append(g.Nodes, &model.Node{ID: "fac_monthly_churn", Kind: model.KindFactor, Label: "Monthly churn", Category: model.CategoryObservable})
	g.Edges = append(g.Edges, edge("opt_a", "fac_monthly_churn", 0.4), edge("fac_monthly_churn", "out_rev", -0.5))

	resp := process(t, newService(t, nil, Deps{}), Request{Brief: "Grow revenue but keep churn under 5%.", Draft: g})

	if resp.Blocked() {
		t.Fatalf("blocked: %+v", resp.Error)
	}
	if len(resp.GoalConstraints) != 1 || resp.GoalConstraints[0].NodeID != "fac_monthly_churn" {
		t.Fatalf("constraints=%+v", resp.GoalConstraints)
	}
	if len(resp.Graph.Nodes) != len(g.Nodes) || len(resp.Graph.Edges) != len(g.Edges) {
		t.Fatalf("graph grew: %d nodes %d edges", len(resp.Graph.Nodes), len(resp.Graph.Edges))
	}
}

func TestProcess_BoundaryOverrideHonoredOnlyOutsideProduction(t *testing.T) {
	invalid := func() *model.Graph {
		g := draft()
		g.Nodes[2].Label = ""
		return g
	}
	withEnv := func(env string) func(*config.Config) {
		return func(c *config.Config) {
			c.Environment = env
			c.Boundary.AllowInvalid = true
		}
	}

	local := process(t, newService(t, withEnv("local"), Deps{}), Request{Draft: invalid()})
	if local.Blocked() || local.Boundary.Status != boundary.StatusOverridden || len(local.Boundary.Blockers) == 0 {
		t.Fatalf("local: %+v", local.Boundary)
	}

	prod := process(t, newService(t, withEnv("prod"), Deps{}), Request{Draft: invalid()})
	if !prod.Blocked() || prod.Graph != nil || prod.Boundary.Status != boundary.StatusBlocked || !prod.Boundary.OverrideIgnored {
		t.Fatalf("prod: %+v", prod.Boundary)
	}
	if prod.Error == nil || prod.Error.Code != apierr.CodeBoundaryBlocked || prod.AnalysisReady.Status != analysis.StatusBlocked {
		t.Fatalf("prod error=%+v analysis=%+v", prod.Error, prod.AnalysisReady)
	}

	localOnly := func(c *config.Config) { c.Environment = "local" }
	req := process(t, newService(t, localOnly, Deps{}), Request{Draft: invalid(), AllowInvalid: true})
	if req.Boundary.Status != boundary.StatusOverridden {
		t.Fatalf("per-request override in local: %+v", req.Boundary)
	}

	// No environment configured means production rules.
	unset := process(t, newService(t, nil, Deps{}), Request{Draft: invalid(), AllowInvalid: true})
	if !unset.Blocked() || !unset.Boundary.OverrideIgnored {
		t.Fatalf("default environment honored the override: %+v", unset.Boundary)
	}
}

func TestProcess_SchemaVersionOverride(t *testing.T) {
	g := draft()
	g.Nodes[2].Label = ""
	resp := process(t, newService(t, nil, Deps{}), Request{Draft: g, SchemaVersion: model.SchemaV1})
	if resp.Boundary.Status != boundary.StatusPassed || resp.Boundary.SchemaVersion != model.SchemaV1 {
		t.Fatalf("boundary=%+v", resp.Boundary)
	}
	if _, err := newService(t, nil, Deps{}).Process(context.Background(), Request{Draft: draft(), SchemaVersion: "v9"}); err == nil {
		t.Fatalf("expected unknown schema error")
	}
}

func TestProcess_EarlyReturn(t *testing.T) {
	s := newService(t, func(c *config.Config) { c.Pipeline.OrchestratorValidationEnabled = true }, Deps{})
	resp := process(t, s, Request{Draft: &model.Graph{}})
	if resp.Error == nil || resp.Error.Status != http.StatusUnprocessableEntity || resp.Graph != nil {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.PlanHash != "" || resp.AnalysisReady.Status != analysis.StatusBlocked {
		t.Fatalf("early return should skip annotation: %+v", resp)
	}
}

func TestProcess_NilDraft(t *testing.T) {
	_, err := newService(t, nil, Deps{}).Process(context.Background(), Request{})
	e, ok := apierr.As(err)
	if !ok || e.Status != http.StatusBadRequest {
		t.Fatalf("err=%v", err)
	}
}

func TestBuild_CachesPlansInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	s, closeFn, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closeFn()

	first := process(t, s, Request{Brief: "Grow revenue", Draft: draft()})
	second := process(t, s, Request{Brief: "Grow revenue", Draft: draft()})
	if first.PlanCacheHit || !second.PlanCacheHit {
		t.Fatalf("cache hits: first=%v second=%v", first.PlanCacheHit, second.PlanCacheHit)
	}
	if first.PlanHash != second.PlanHash || first.PlanID == second.PlanID {
		t.Fatalf("hash %q/%q id %q/%q", first.PlanHash, second.PlanHash, first.PlanID, second.PlanID)
	}
	if !mr.Exists("cee:plan:" + first.PlanHash) {
		t.Fatalf("plan not stored; keys=%v", mr.Keys())
	}
}

func TestBuild_WiresLLMAndEngine(t *testing.T) {
	t.Setenv("CEE_TEST_OPENAI_KEY", "sk-test")
	cfg := config.Default()
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.APIKeyEnv = "CEE_TEST_OPENAI_KEY"
	cfg.Plot.BaseURL = "http://127.0.0.1:1"

	s, closeFn, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer closeFn()

	// The engine is unreachable, so validation falls back to local rules and
	// the clean draft never needs the model.
	resp := process(t, s, Request{Draft: draft()})
	if !resp.Trace.Stage4.PlotUnavailable || resp.Blocked() {
		t.Fatalf("resp=%+v", resp.Trace.Stage4)
	}
}
