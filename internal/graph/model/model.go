package model

import (
	"fmt"
	"sort"
	"strings"
)

// NodeKind is the closed set of node kinds a decision graph may contain.
type NodeKind string

const (
	KindGoal       NodeKind = "goal"
	KindDecision   NodeKind = "decision"
	KindOption     NodeKind = "option"
	KindFactor     NodeKind = "factor"
	KindAction     NodeKind = "action"
	KindOutcome    NodeKind = "outcome"
	KindRisk       NodeKind = "risk"
	KindEvidence   NodeKind = "evidence"
	KindConstraint NodeKind = "constraint"
)

// AllKinds lists every kind in canonical order.
var AllKinds = []NodeKind{
	KindGoal, KindDecision, KindOption, KindFactor, KindAction,
	KindOutcome, KindRisk, KindEvidence, KindConstraint,
}

func ParseNodeKind(s string) (NodeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "goal", "objective":
		return KindGoal, nil
	case "decision":
		return KindDecision, nil
	case "option", "alternative":
		return KindOption, nil
	case "factor":
		return KindFactor, nil
	case "action":
		return KindAction, nil
	case "outcome":
		return KindOutcome, nil
	case "risk":
		return KindRisk, nil
	case "evidence":
		return KindEvidence, nil
	case "constraint":
		return KindConstraint, nil
	case "":
		return "", fmt.Errorf("invalid node kind: empty string")
	default:
		return "", fmt.Errorf("invalid node kind: %q", s)
	}
}

func (k NodeKind) Valid() bool {
	switch k {
	case KindGoal, KindDecision, KindOption, KindFactor, KindAction,
		KindOutcome, KindRisk, KindEvidence, KindConstraint:
		return true
	default:
		return false
	}
}

// Category classifies a factor by who controls its value.
type Category string

const (
	CategoryNone         Category = ""
	CategoryControllable Category = "controllable"
	CategoryObservable   Category = "observable"
	CategoryExternal     Category = "external"
)

func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return CategoryNone, nil
	case "controllable":
		return CategoryControllable, nil
	case "observable":
		return CategoryObservable, nil
	case "external":
		return CategoryExternal, nil
	default:
		return "", fmt.Errorf("invalid category: %q", s)
	}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryNone, CategoryControllable, CategoryObservable, CategoryExternal:
		return true
	default:
		return false
	}
}

type EffectDirection string

const (
	DirectionUnset    EffectDirection = ""
	DirectionPositive EffectDirection = "positive"
	DirectionNegative EffectDirection = "negative"
)

func (d EffectDirection) Valid() bool {
	switch d {
	case DirectionUnset, DirectionPositive, DirectionNegative:
		return true
	default:
		return false
	}
}

// EdgeOrigin records who introduced an edge.
type EdgeOrigin string

const (
	OriginUnset     EdgeOrigin = ""
	OriginDefault   EdgeOrigin = "default"
	OriginExplicit  EdgeOrigin = "explicit"
	OriginSynthetic EdgeOrigin = "synthetic"
)

func (o EdgeOrigin) Valid() bool {
	switch o {
	case OriginUnset, OriginDefault, OriginExplicit, OriginSynthetic:
		return true
	default:
		return false
	}
}

type NodeData struct {
	Value              *float64 `json:"value,omitempty"`
	Baseline           *float64 `json:"baseline,omitempty"`
	Unit               string   `json:"unit,omitempty"`
	FactorType         string   `json:"factor_type,omitempty"`
	UncertaintyDrivers []string `json:"uncertainty_drivers,omitempty"`
}

// Empty reports whether no field carries a value.
func (d *NodeData) Empty() bool {
	if d == nil {
		return true
	}
	return d.Value == nil && d.Baseline == nil && d.Unit == "" && d.FactorType == "" && len(d.UncertaintyDrivers) == 0
}

type ObservedState struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

type Node struct {
	ID            string         `json:"id"`
	Kind          NodeKind       `json:"kind"`
	Label         string         `json:"label"`
	Body          string         `json:"body,omitempty"`
	Category      Category       `json:"category,omitempty"`
	Data          *NodeData      `json:"data,omitempty"`
	ObservedState *ObservedState `json:"observed_state,omitempty"`
}

type Edge struct {
	ID               string          `json:"id,omitempty"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	StrengthMean     *float64        `json:"strength_mean,omitempty"`
	StrengthStd      *float64        `json:"strength_std,omitempty"`
	BeliefExists     *float64        `json:"belief_exists,omitempty"`
	EffectDirection  EffectDirection `json:"effect_direction,omitempty"`
	Origin           EdgeOrigin      `json:"origin,omitempty"`
	ProvenanceSource string          `json:"provenance_source,omitempty"`
}

// Pair returns the (from, to) identity of the edge.
func (e *Edge) Pair() EdgePair { return EdgePair{From: e.From, To: e.To} }

type EdgePair struct {
	From string
	To   string
}

func (p EdgePair) String() string { return p.From + "->" + p.To }

// Graph is the causal decision model. Node and edge order carries no meaning;
// callers that need determinism sort through the structure package.
type Graph struct {
	Version string         `json:"version,omitempty"`
	Nodes   []*Node        `json:"nodes"`
	Edges   []*Edge        `json:"edges"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (g *Graph) Node(id string) *Node {
	if g == nil {
		return nil
	}
	for _, n := range g.Nodes {
		if n != nil && n.ID == id {
			return n
		}
	}
	return nil
}

func (g *Graph) HasNode(id string) bool { return g.Node(id) != nil }

// NodeIndex maps node id to node. Later duplicates lose to the first occurrence.
func (g *Graph) NodeIndex() map[string]*Node {
	out := map[string]*Node{}
	if g == nil {
		return out
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if _, ok := out[n.ID]; !ok {
			out[n.ID] = n
		}
	}
	return out
}

func (g *Graph) NodeIDs() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if n != nil {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) NodesOfKind(k NodeKind) []*Node {
	if g == nil {
		return nil
	}
	var out []*Node
	for _, n := range g.Nodes {
		if n != nil && n.Kind == k {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Graph) CountKind(k NodeKind) int { return len(g.NodesOfKind(k)) }

func (g *Graph) Outgoing(id string) []*Edge {
	if g == nil {
		return nil
	}
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == id {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) Incoming(id string) []*Edge {
	if g == nil {
		return nil
	}
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Degree counts incident edges, self loops once.
func (g *Graph) Degree(id string) int {
	if g == nil {
		return 0
	}
	d := 0
	for _, e := range g.Edges {
		if e != nil && (e.From == id || e.To == id) {
			d++
		}
	}
	return d
}

func (g *Graph) Edge(id string) *Edge {
	if g == nil || id == "" {
		return nil
	}
	for _, e := range g.Edges {
		if e != nil && e.ID == id {
			return e
		}
	}
	return nil
}

// RemoveNodes drops the given node ids and every edge touching them.
func (g *Graph) RemoveNodes(ids ...string) {
	if g == nil || len(ids) == 0 {
		return
	}
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	nodes := g.Nodes[:0]
	for _, n := range g.Nodes {
		if n != nil && !drop[n.ID] {
			nodes = append(nodes, n)
		}
	}
	g.Nodes = nodes
	edges := g.Edges[:0]
	for _, e := range g.Edges {
		if e != nil && !drop[e.From] && !drop[e.To] {
			edges = append(edges, e)
		}
	}
	g.Edges = edges
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{Version: g.Version}
	if g.Meta != nil {
		out.Meta = make(map[string]any, len(g.Meta))
		for k, v := range g.Meta {
			out.Meta[k] = v
		}
	}
	out.Nodes = make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if n != nil {
			out.Nodes = append(out.Nodes, n.Clone())
		}
	}
	out.Edges = make([]*Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e != nil {
			out.Edges = append(out.Edges, e.Clone())
		}
	}
	return out
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Data != nil {
		d := *n.Data
		d.Value = cloneFloat(n.Data.Value)
		d.Baseline = cloneFloat(n.Data.Baseline)
		if n.Data.UncertaintyDrivers != nil {
			d.UncertaintyDrivers = append([]string{}, n.Data.UncertaintyDrivers...)
		}
		c.Data = &d
	}
	if n.ObservedState != nil {
		o := *n.ObservedState
		o.Value = cloneFloat(n.ObservedState.Value)
		c.ObservedState = &o
	}
	return &c
}

func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.StrengthMean = cloneFloat(e.StrengthMean)
	c.StrengthStd = cloneFloat(e.StrengthStd)
	c.BeliefExists = cloneFloat(e.BeliefExists)
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float is a convenience for building optional numeric fields.
func Float(v float64) *float64 { return &v }
