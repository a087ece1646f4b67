package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// SchemaVersion names a graph wire-format revision.
type SchemaVersion string

const (
	SchemaV1 SchemaVersion = "v1"
	SchemaV2 SchemaVersion = "v2"
	SchemaV3 SchemaVersion = "v3"

	DefaultSchemaVersion = SchemaV3
)

func ParseSchemaVersion(s string) (SchemaVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "v3", "3", "3.0":
		return SchemaV3, nil
	case "v2", "2", "2.0":
		return SchemaV2, nil
	case "v1", "1", "1.0":
		return SchemaV1, nil
	default:
		return "", fmt.Errorf("unsupported schema version: %q", s)
	}
}

// Parse decodes a graph leniently: unknown fields are ignored and kind and
// category spellings are normalized. Unknown kinds are an error.
func Parse(b []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("graph json: %w", err)
	}
	if err := normalize(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ParseStrict decodes a graph rejecting unknown fields, trailing values and
// non-canonical enum spellings.
func ParseStrict(b []byte) (*Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var g Graph
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("graph json: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("graph json: multiple top-level values are not allowed")
		}
		return nil, err
	}
	for i, n := range g.Nodes {
		if n == nil {
			return nil, fmt.Errorf("nodes[%d]: null node", i)
		}
		if !n.Kind.Valid() {
			return nil, fmt.Errorf("nodes[%d] %q: invalid kind %q", i, n.ID, n.Kind)
		}
		if !n.Category.Valid() {
			return nil, fmt.Errorf("nodes[%d] %q: invalid category %q", i, n.ID, n.Category)
		}
	}
	for i, e := range g.Edges {
		if e == nil {
			return nil, fmt.Errorf("edges[%d]: null edge", i)
		}
		if !e.EffectDirection.Valid() {
			return nil, fmt.Errorf("edges[%d]: invalid effect_direction %q", i, e.EffectDirection)
		}
		if !e.Origin.Valid() {
			return nil, fmt.Errorf("edges[%d]: invalid origin %q", i, e.Origin)
		}
	}
	return &g, nil
}

func normalize(g *Graph) error {
	nodes := g.Nodes[:0]
	for i, n := range g.Nodes {
		if n == nil {
			continue
		}
		n.ID = strings.TrimSpace(n.ID)
		k, err := ParseNodeKind(string(n.Kind))
		if err != nil {
			return fmt.Errorf("nodes[%d] %q: %w", i, n.ID, err)
		}
		n.Kind = k
		c, err := ParseCategory(string(n.Category))
		if err != nil {
			return fmt.Errorf("nodes[%d] %q: %w", i, n.ID, err)
		}
		n.Category = c
		nodes = append(nodes, n)
	}
	g.Nodes = nodes
	edges := g.Edges[:0]
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		e.From = strings.TrimSpace(e.From)
		e.To = strings.TrimSpace(e.To)
		e.EffectDirection = EffectDirection(strings.ToLower(strings.TrimSpace(string(e.EffectDirection))))
		if !e.EffectDirection.Valid() {
			e.EffectDirection = DirectionUnset
		}
		e.Origin = EdgeOrigin(strings.ToLower(strings.TrimSpace(string(e.Origin))))
		if !e.Origin.Valid() {
			e.Origin = OriginUnset
		}
		edges = append(edges, e)
	}
	g.Edges = edges
	return nil
}

func Marshal(g *Graph) ([]byte, error) {
	if g == nil {
		return []byte("null"), nil
	}
	return json.Marshal(g)
}
