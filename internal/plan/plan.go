// Package plan annotates a finished graph with identifiers, digests and
// structural confidence.
package plan

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/cee/internal/graph/model"
)

const (
	MaxRationales     = 12
	MaxRationaleRunes = 400
)

type Confidence struct {
	Structure  float64 `json:"structure"`
	Parameters float64 `json:"parameters"`
}

// Annotation is what gets persisted alongside a graph.
type Annotation struct {
	PlanID      string     `json:"plan_id"`
	PlanHash    string     `json:"plan_hash"`
	ContextHash string     `json:"context_hash"`
	Confidence  Confidence `json:"confidence"`
	Rationales  []string   `json:"rationales,omitempty"`
}

// Annotate builds a fresh annotation. PlanID is random on every call; the
// digests are deterministic.
func Annotate(g *model.Graph, rationales []string, requestContext ...string) Annotation {
	rs := TruncateRationales(rationales)
	conf := ComputeConfidence(g)
	return Annotation{
		PlanID:      NewPlanID(),
		PlanHash:    Hash(g, rs, conf),
		ContextHash: ContextHash(requestContext...),
		Confidence:  conf,
		Rationales:  rs,
	}
}

func NewPlanID() string { return uuid.New().String() }

// TruncateRationales keeps the first MaxRationales entries, each cut to
// MaxRationaleRunes. Blank entries are dropped.
func TruncateRationales(in []string) []string {
	var out []string
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if utf8.RuneCountInString(r) > MaxRationaleRunes {
			r = string([]rune(r)[:MaxRationaleRunes])
		}
		out = append(out, r)
		if len(out) == MaxRationales {
			break
		}
	}
	return out
}

// ComputeConfidence scores how much of the graph is usable. Structure is the
// share of nodes touched by at least one edge whose endpoints both exist;
// parameters is the share of such edges carrying a strength that was not defaulted.
func ComputeConfidence(g *model.Graph) Confidence {
	if g == nil {
		return Confidence{}
	}
	idx := g.NodeIndex()
	if len(idx) == 0 {
		return Confidence{}
	}
	connected := map[string]bool{}
	var real, withStrength int
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		_, okFrom := idx[e.From]
		_, okTo := idx[e.To]
		if !okFrom || !okTo {
			continue
		}
		real++
		connected[e.From] = true
		connected[e.To] = true
		if e.StrengthMean != nil && e.Origin != model.OriginDefault {
			withStrength++
		}
	}
	c := Confidence{Structure: clamp01(float64(len(connected)) / float64(len(idx)))}
	if real > 0 {
		c.Parameters = float64(withStrength) / float64(real)
	}
	return c
}

// hashNum encodes like a float64 but renders NaN and the infinities as
// quoted tokens, so encoding never fails and they stay distinguishable.
type hashNum float64

func (v hashNum) MarshalJSON() ([]byte, error) {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(f)
}

func num(p *float64) *hashNum {
	if p == nil {
		return nil
	}
	v := hashNum(*p)
	return &v
}

type hashData struct {
	Value              *hashNum `json:"value,omitempty"`
	Baseline           *hashNum `json:"baseline,omitempty"`
	Unit               string   `json:"unit,omitempty"`
	FactorType         string   `json:"factor_type,omitempty"`
	UncertaintyDrivers []string `json:"uncertainty_drivers,omitempty"`
}

type hashObserved struct {
	Value *hashNum `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

type hashNode struct {
	ID            string         `json:"id"`
	Kind          model.NodeKind `json:"kind"`
	Label         string         `json:"label"`
	Body          string         `json:"body,omitempty"`
	Category      model.Category `json:"category,omitempty"`
	Data          *hashData      `json:"data,omitempty"`
	ObservedState *hashObserved  `json:"observed_state,omitempty"`
}

func toHashNode(n *model.Node) hashNode {
	h := hashNode{ID: n.ID, Kind: n.Kind, Label: n.Label, Body: n.Body, Category: n.Category}
	if d := n.Data; d != nil {
		h.Data = &hashData{
			Value:              num(d.Value),
			Baseline:           num(d.Baseline),
			Unit:               d.Unit,
			FactorType:         d.FactorType,
			UncertaintyDrivers: d.UncertaintyDrivers,
		}
	}
	if o := n.ObservedState; o != nil {
		h.ObservedState = &hashObserved{Value: num(o.Value), Unit: o.Unit}
	}
	return h
}

type hashEdge struct {
	From             string                `json:"from"`
	To               string                `json:"to"`
	StrengthMean     *hashNum              `json:"strength_mean,omitempty"`
	StrengthStd      *hashNum              `json:"strength_std,omitempty"`
	BeliefExists     *hashNum              `json:"belief_exists,omitempty"`
	EffectDirection  model.EffectDirection `json:"effect_direction,omitempty"`
	Origin           model.EdgeOrigin      `json:"origin,omitempty"`
	ProvenanceSource string                `json:"provenance_source,omitempty"`
}

type hashInput struct {
	Nodes      []hashNode `json:"nodes"`
	Edges      []string   `json:"edges"`
	Rationales []string   `json:"rationales"`
	Confidence [2]hashNum `json:"confidence"`
}

// Hash is the plan_hash: a blake3 digest of node and edge content only.
// Node order, edge order, edge ids, version and meta do not contribute, so
// equivalent graphs hash identically however the draft was ordered.
// Non-finite numbers hash as their own tokens.
func Hash(g *model.Graph, rationales []string, conf Confidence) string {
	in := hashInput{
		Nodes:      []hashNode{},
		Edges:      []string{},
		Rationales: append([]string{}, rationales...),
		Confidence: [2]hashNum{hashNum(round4(conf.Structure)), hashNum(round4(conf.Parameters))},
	}
	if g != nil {
		for _, n := range g.Nodes {
			if n != nil {
				in.Nodes = append(in.Nodes, toHashNode(n))
			}
		}
		sort.SliceStable(in.Nodes, func(i, j int) bool { return in.Nodes[i].ID < in.Nodes[j].ID })
		for _, e := range g.Edges {
			if e == nil {
				continue
			}
			b, err := json.Marshal(hashEdge{
				From:             e.From,
				To:               e.To,
				StrengthMean:     num(e.StrengthMean),
				StrengthStd:      num(e.StrengthStd),
				BeliefExists:     num(e.BeliefExists),
				EffectDirection:  e.EffectDirection,
				Origin:           e.Origin,
				ProvenanceSource: e.ProvenanceSource,
			})
			if err != nil {
				panic("plan: encode edge: " + err.Error())
			}
			in.Edges = append(in.Edges, string(b))
		}
		sort.Strings(in.Edges)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(in); err != nil {
		panic("plan: encode hash input: " + err.Error())
	}
	return digest(buf.Bytes())
}

// ContextHash digests the request context (brief, conversation turns) in
// order.
func ContextHash(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }
