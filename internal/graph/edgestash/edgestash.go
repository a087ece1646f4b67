// Package edgestash preserves edge parameters across steps that regenerate
// edges, and writes them back afterwards.
package edgestash

import (
	"sort"
	"strings"

	"github.com/danshapiro/cee/internal/graph/audit"
	"github.com/danshapiro/cee/internal/graph/model"
)

const CodeEdgeRestored = "EDGE_FIELDS_RESTORED"

// Stash holds deep copies of edges keyed by stable id and by endpoint pair.
// Parallel edges keep their relative order within a pair.
type Stash struct {
	byID   map[string]*model.Edge
	byPair map[model.EdgePair][]*model.Edge
}

// Capture snapshots every edge of g.
func Capture(g *model.Graph) *Stash {
	s := &Stash{byID: map[string]*model.Edge{}, byPair: map[model.EdgePair][]*model.Edge{}}
	s.Add(g)
	return s
}

// Add merges edges from g that are not already stashed. Existing entries are
// never overwritten so the earliest snapshot wins.
func (s *Stash) Add(g *model.Graph) {
	if s == nil || g == nil {
		return
	}
	pairSeen := map[model.EdgePair]bool{}
	for p := range s.byPair {
		pairSeen[p] = true
	}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		c := e.Clone()
		if e.ID != "" {
			if _, ok := s.byID[e.ID]; ok {
				continue
			}
			s.byID[e.ID] = c
		}
		if !pairSeen[e.Pair()] {
			s.byPair[e.Pair()] = append(s.byPair[e.Pair()], c)
		}
	}
}

func (s *Stash) Len() int {
	if s == nil {
		return 0
	}
	n := len(s.byID)
	for _, es := range s.byPair {
		for _, e := range es {
			if e.ID == "" {
				n++
			}
		}
	}
	return n
}

// Restore fills missing parameters on the edges of g from the stash. An edge
// is matched by id first, then by endpoint pair with both endpoints mapped
// back through renames, taking the first stashed edge of that pair not yet
// used. Only unset fields are written, except that a weight stamped origin
// default gives way to a stashed weight. Returns the number of edges that
// received at least one field. A nil stash restores nothing.
func (s *Stash) Restore(g *model.Graph, renames map[string]string, rec *audit.Recorder) int {
	if s == nil || g == nil {
		return 0
	}
	reverse := map[string][]string{}
	for old, to := range renames {
		reverse[to] = append(reverse[to], old)
	}
	for _, olds := range reverse {
		sort.Strings(olds)
	}

	used := map[*model.Edge]bool{}
	matched := make([]*model.Edge, len(g.Edges))
	for i, e := range g.Edges {
		if e == nil {
			continue
		}
		if src := s.byID[e.ID]; src != nil && src.From == e.From && src.To == e.To && !used[src] {
			matched[i] = src
			used[src] = true
		}
	}
	for i, e := range g.Edges {
		if e == nil || matched[i] != nil {
			continue
		}
		if src := s.nextByPair(e.Pair(), reverse, used); src != nil {
			matched[i] = src
			used[src] = true
		}
	}

	restored := 0
	for i, e := range g.Edges {
		src := matched[i]
		if src == nil {
			continue
		}
		if fields := fill(e, src); len(fields) > 0 {
			restored++
			rec.Add(audit.Record{
				Code:   CodeEdgeRestored,
				EdgeID: e.ID,
				Field:  strings.Join(fields, ","),
				Before: src.ID,
				Reason: "edge fields restored from stash",
			})
		}
	}
	return restored
}

func (s *Stash) nextByPair(p model.EdgePair, reverse map[string][]string, used map[*model.Edge]bool) *model.Edge {
	for _, from := range withAliases(p.From, reverse) {
		for _, to := range withAliases(p.To, reverse) {
			for _, c := range s.byPair[model.EdgePair{From: from, To: to}] {
				if !used[c] {
					return c
				}
			}
		}
	}
	return nil
}

func withAliases(id string, reverse map[string][]string) []string {
	return append([]string{id}, reverse[id]...)
}

func fill(dst, src *model.Edge) []string {
	var fields []string
	// A defaulted weight yields to a stashed one.
	if dst.Origin == model.OriginDefault && src.StrengthMean != nil && src.Origin != model.OriginDefault {
		dst.StrengthMean = nil
		dst.EffectDirection = model.DirectionUnset
		dst.Origin = model.OriginUnset
	}
	if dst.StrengthMean == nil && src.StrengthMean != nil {
		dst.StrengthMean = model.Float(*src.StrengthMean)
		fields = append(fields, "strength_mean")
	}
	if dst.StrengthStd == nil && src.StrengthStd != nil {
		dst.StrengthStd = model.Float(*src.StrengthStd)
		fields = append(fields, "strength_std")
	}
	if dst.BeliefExists == nil && src.BeliefExists != nil {
		dst.BeliefExists = model.Float(*src.BeliefExists)
		fields = append(fields, "belief_exists")
	}
	if dst.EffectDirection == model.DirectionUnset && src.EffectDirection != model.DirectionUnset {
		dst.EffectDirection = src.EffectDirection
		fields = append(fields, "effect_direction")
	}
	if dst.EffectDirection == model.DirectionUnset && dst.StrengthMean != nil && *dst.StrengthMean != 0 {
		dst.EffectDirection = model.DirectionPositive
		if *dst.StrengthMean < 0 {
			dst.EffectDirection = model.DirectionNegative
		}
		fields = append(fields, "effect_direction")
	}
	if dst.Origin == model.OriginUnset && src.Origin != model.OriginUnset {
		dst.Origin = src.Origin
		fields = append(fields, "origin")
	}
	if dst.ProvenanceSource == "" && src.ProvenanceSource != "" {
		dst.ProvenanceSource = src.ProvenanceSource
		fields = append(fields, "provenance_source")
	}
	return fields
}
