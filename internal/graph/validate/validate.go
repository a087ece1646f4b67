package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

func (d Diagnostic) String() string {
	var loc string
	switch {
	case d.NodeID != "":
		loc = " [node " + d.NodeID + "]"
	case d.EdgeID != "":
		loc = " [edge " + d.EdgeID + "]"
	case d.EdgeFrom != "" || d.EdgeTo != "":
		loc = " [edge " + d.EdgeFrom + "->" + d.EdgeTo + "]"
	}
	return d.Rule + ": " + d.Message + loc
}

// LintRule is the interface for custom lint rules appended after the
// built-in set.
type LintRule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

// DefaultRequiredKinds is the minimum structure a decision graph must carry.
var DefaultRequiredKinds = map[model.NodeKind]int{
	model.KindGoal:     1,
	model.KindDecision: 1,
	model.KindOption:   1,
}

type Options struct {
	// RequiredKinds overrides DefaultRequiredKinds when non-nil.
	RequiredKinds map[model.NodeKind]int
}

func (o Options) requiredKinds() map[model.NodeKind]int {
	if o.RequiredKinds != nil {
		return o.RequiredKinds
	}
	return DefaultRequiredKinds
}

// Validate runs all built-in lint rules with default options and any extra rules.
func Validate(g *model.Graph, extraRules ...LintRule) []Diagnostic {
	return ValidateWith(g, Options{}, extraRules...)
}

func ValidateWith(g *model.Graph, opts Options, extraRules ...LintRule) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintNodeIDs(g)...)
	diags = append(diags, lintNodeKinds(g)...)
	diags = append(diags, lintCategoryOnFactorsOnly(g)...)
	diags = append(diags, lintEdgeTargetsExist(g)...)
	diags = append(diags, lintNoSelfLoops(g)...)
	diags = append(diags, lintAcyclic(g)...)
	diags = append(diags, lintEdgeNumbers(g)...)
	diags = append(diags, lintEdgeIDFormat(g)...)
	diags = append(diags, lintRequiredKinds(g, opts.requiredKinds())...)
	diags = append(diags, lintSingleGoal(g)...)
	diags = append(diags, lintGoalReachability(g)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

func ValidateOrError(g *model.Graph, extraRules ...LintRule) error {
	return errorFrom(Validate(g, extraRules...))
}

func errorFrom(diags []Diagnostic) error {
	errs := Errors(diags)
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(Strings(errs), "; "))
	}
	return nil
}

// Errors filters diagnostics down to SeverityError.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func Strings(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.String())
	}
	return out
}

// HasRule reports whether any diagnostic carries the given rule name.
func HasRule(diags []Diagnostic, rule string) bool {
	for _, d := range diags {
		if d.Rule == rule {
			return true
		}
	}
	return false
}

func lintNodeIDs(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for i, n := range g.Nodes {
		if n == nil {
			diags = append(diags, Diagnostic{
				Rule:     "node_nil",
				Severity: SeverityError,
				Message:  fmt.Sprintf("nodes[%d] is null", i),
			})
			continue
		}
		if strings.TrimSpace(n.ID) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_required",
				Severity: SeverityError,
				Message:  fmt.Sprintf("nodes[%d] has an empty id", i),
			})
			continue
		}
		if seen[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_unique",
				Severity: SeverityError,
				Message:  "duplicate node id",
				NodeID:   n.ID,
				Fix:      "rename or merge the duplicate node",
			})
		}
		seen[n.ID] = true
	}
	return diags
}

func lintNodeKinds(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if !n.Kind.Valid() {
			diags = append(diags, Diagnostic{
				Rule:     "node_kind_valid",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown node kind %q", n.Kind),
				NodeID:   n.ID,
			})
		}
		if !n.Category.Valid() {
			diags = append(diags, Diagnostic{
				Rule:     "category_valid",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown category %q", n.Category),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintCategoryOnFactorsOnly(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n == nil || n.Category == model.CategoryNone || n.Kind == model.KindFactor {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "category_factor_only",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s node carries category %q; only factors are categorized", n.Kind, n.Category),
			NodeID:   n.ID,
		})
	}
	return diags
}

func lintEdgeTargetsExist(g *model.Graph) []Diagnostic {
	idx := g.NodeIndex()
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := idx[e.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing from-node",
				EdgeID:   e.ID,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if _, ok := idx[e.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing to-node",
				EdgeID:   e.ID,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintNoSelfLoops(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e != nil && e.From == e.To {
			diags = append(diags, Diagnostic{
				Rule:     "edge_self_loop",
				Severity: SeverityError,
				Message:  "edge connects a node to itself",
				EdgeID:   e.ID,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintAcyclic(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, c := range structure.FindCycles(g) {
		if len(c.Nodes) == 1 {
			continue // reported by edge_self_loop
		}
		diags = append(diags, Diagnostic{
			Rule:     "acyclic",
			Severity: SeverityError,
			Message:  fmt.Sprintf("cycle through %s", strings.Join(c.Nodes, " -> ")),
			EdgeID:   c.ClosingEdgeID,
			EdgeFrom: c.Nodes[len(c.Nodes)-1],
			EdgeTo:   c.Nodes[0],
			Fix:      "remove the cycle-closing edge",
		})
	}
	return diags
}

func lintEdgeNumbers(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	bad := func(e *model.Edge, field, msg string) {
		diags = append(diags, Diagnostic{
			Rule:     "edge_numeric_range",
			Severity: SeverityError,
			Message:  field + " " + msg,
			EdgeID:   e.ID,
			EdgeFrom: e.From,
			EdgeTo:   e.To,
		})
	}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if v := e.StrengthMean; v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v < -1 || *v > 1) {
			bad(e, "strength_mean", fmt.Sprintf("%v outside [-1,1]", *v))
		}
		if v := e.StrengthStd; v != nil && (math.IsNaN(*v) || *v < 0) {
			bad(e, "strength_std", fmt.Sprintf("%v must be >= 0", *v))
		}
		if v := e.BeliefExists; v != nil && (math.IsNaN(*v) || *v < 0 || *v > 1) {
			bad(e, "belief_exists", fmt.Sprintf("%v outside [0,1]", *v))
		}
		if !e.EffectDirection.Valid() {
			bad(e, "effect_direction", fmt.Sprintf("%q is not positive|negative", e.EffectDirection))
		}
	}
	return diags
}

func lintEdgeIDFormat(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		from, to, _, ok := structure.ParseEdgeID(e.ID)
		if ok && from == e.From && to == e.To {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "edge_id_canonical",
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("edge id %q is not of the form from::to::ordinal", e.ID),
			EdgeID:   e.ID,
			EdgeFrom: e.From,
			EdgeTo:   e.To,
		})
	}
	return diags
}

func lintRequiredKinds(g *model.Graph, required map[model.NodeKind]int) []Diagnostic {
	var diags []Diagnostic
	for _, k := range model.AllKinds {
		min := required[k]
		if min <= 0 {
			continue
		}
		if got := g.CountKind(k); got < min {
			diags = append(diags, Diagnostic{
				Rule:     "min_structure",
				Severity: SeverityError,
				Message:  fmt.Sprintf("graph needs at least %d %s node(s), found %d", min, k, got),
				Fix:      "add a " + string(k) + " node",
			})
		}
	}
	return diags
}

// MissingKinds lists kinds below their required count, in canonical order.
func MissingKinds(g *model.Graph, required map[model.NodeKind]int) []model.NodeKind {
	if required == nil {
		required = DefaultRequiredKinds
	}
	var out []model.NodeKind
	for _, k := range model.AllKinds {
		if min := required[k]; min > 0 && g.CountKind(k) < min {
			out = append(out, k)
		}
	}
	return out
}

func lintSingleGoal(g *model.Graph) []Diagnostic {
	goals := g.NodesOfKind(model.KindGoal)
	if len(goals) <= 1 {
		return nil
	}
	ids := make([]string, 0, len(goals))
	for _, n := range goals {
		ids = append(ids, n.ID)
	}
	return []Diagnostic{{
		Rule:     "single_goal",
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("graph has %d goal nodes: %v", len(goals), ids),
		Fix:      "merge goals into one",
	}}
}

func lintGoalReachability(g *model.Graph) []Diagnostic {
	goals := g.NodesOfKind(model.KindGoal)
	if len(goals) == 0 {
		return nil
	}
	reach := ReachesAny(g, goals[0].ID)
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n == nil || (n.Kind != model.KindOutcome && n.Kind != model.KindOption) {
			continue
		}
		if !reach[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     "goal_reachability",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s node has no directed path to the goal", n.Kind),
				NodeID:   n.ID,
			})
		}
	}
	sort.SliceStable(diags, func(i, j int) bool { return diags[i].NodeID < diags[j].NodeID })
	return diags
}

// ReachesAny returns the set of nodes with a directed path to target
// (target included), walking edges backwards.
func ReachesAny(g *model.Graph, target string) map[string]bool {
	rev := map[string][]string{}
	for _, e := range g.Edges {
		if e != nil {
			rev[e.To] = append(rev[e.To], e.From)
		}
	}
	seen := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, prev := range rev[cur] {
			if !seen[prev] {
				seen[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	return seen
}
