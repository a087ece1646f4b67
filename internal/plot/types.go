// Package plot talks to the downstream inference engine that consumes
// finished graphs, and provides a local stand-in for its validator.
package plot

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/cee/internal/graph/model"
)

// ValidateResult is the engine's verdict on a whole graph.
type ValidateResult struct {
	OK         bool         `json:"ok"`
	Violations []string     `json:"violations,omitempty"`
	Normalized *model.Graph `json:"normalized,omitempty"`
}

// Usage is token accounting reported by a repair call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

type RepairResult struct {
	Graph *model.Graph `json:"graph"`
	Usage Usage        `json:"usage"`
}

// Validator is anything that can judge a graph: the remote engine or the
// local rule set.
type Validator interface {
	ValidateGraph(ctx context.Context, g *model.Graph) (ValidateResult, error)
}

// PatchValidator judges a set of edits against a base graph.
type PatchValidator interface {
	ValidatePatch(ctx context.Context, req PatchRequest) (PatchVerdict, error)
}

// Repairer proposes a corrected graph given the violations found.
type Repairer interface {
	RepairGraph(ctx context.Context, g *model.Graph, violations []string) (RepairResult, error)
}

type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case VerdictAccepted:
		return VerdictAccepted, nil
	case VerdictRejected:
		return VerdictRejected, nil
	default:
		return "", fmt.Errorf("invalid patch verdict: %q", s)
	}
}

// PatchOp is a single edit proposed against a graph.
type PatchOp struct {
	Op    string      `json:"op"`
	Node  *model.Node `json:"node,omitempty"`
	Edge  *model.Edge `json:"edge,omitempty"`
	ID    string      `json:"id,omitempty"`
	Field string      `json:"field,omitempty"`
	Value any         `json:"value,omitempty"`
}

type PatchRequest struct {
	Graph     *model.Graph `json:"graph"`
	Ops       []PatchOp    `json:"ops"`
	GraphHash string       `json:"graph_hash,omitempty"`
}

type PatchVerdict struct {
	Verdict        Verdict      `json:"verdict"`
	Reason         string       `json:"reason,omitempty"`
	Code           string       `json:"code,omitempty"`
	Violations     []string     `json:"violations,omitempty"`
	AppliedGraph   *model.Graph `json:"applied_graph,omitempty"`
	GraphHash      string       `json:"graph_hash,omitempty"`
	RepairsApplied []string     `json:"repairs_applied,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
}
