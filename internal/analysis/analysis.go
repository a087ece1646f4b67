// Package analysis decides whether a repaired graph can be handed to the
// downstream engine as is, and what the user must supply when it cannot.
package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/cee/internal/graph/connectivity"
	"github.com/danshapiro/cee/internal/graph/model"
)

type Status string

const (
	StatusReady            Status = "ready"
	StatusNeedsUserMapping Status = "needs_user_mapping"
	StatusNeedsUserInput   Status = "needs_user_input"
	StatusBlocked          Status = "blocked"
)

// ParseStatus accepts the canonical names case-insensitively, with dashes or
// spaces in place of underscores.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch Status(norm) {
	case StatusReady, StatusNeedsUserMapping, StatusNeedsUserInput, StatusBlocked:
		return Status(norm), nil
	default:
		return "", fmt.Errorf("invalid analysis status: %q", s)
	}
}

type BlockerType string

const (
	BlockerMissingValue   BlockerType = "missing_value"
	BlockerUnmappedFactor BlockerType = "unmapped_factor"
	BlockerStructure      BlockerType = "structure"
)

type Blocker struct {
	OptionID        string      `json:"option_id,omitempty"`
	FactorID        string      `json:"factor_id,omitempty"`
	FactorLabel     string      `json:"factor_label,omitempty"`
	BlockerType     BlockerType `json:"blocker_type"`
	Message         string      `json:"message"`
	SuggestedAction string      `json:"suggested_action,omitempty"`
}

type Ready struct {
	Status   Status    `json:"status"`
	Blockers []Blocker `json:"blockers,omitempty"`
}

// Evaluate inspects every option-to-factor edge. A factor with no category
// cannot be interpreted (unmapped_factor); a controllable factor with no
// value gives the engine nothing to intervene on (missing_value). One
// blocker is reported per (option, factor) pair however many edges join
// them.
func Evaluate(g *model.Graph, summary connectivity.Summary) Ready {
	if g == nil {
		return Ready{Status: StatusBlocked, Blockers: []Blocker{{
			BlockerType: BlockerStructure,
			Message:     "no graph was produced",
		}}}
	}
	if summary.Status == connectivity.StatusInvalid && len(summary.MissingKinds) > 0 {
		kinds := make([]string, 0, len(summary.MissingKinds))
		for _, k := range summary.MissingKinds {
			kinds = append(kinds, string(k))
		}
		return Ready{Status: StatusBlocked, Blockers: []Blocker{{
			BlockerType:     BlockerStructure,
			Message:         "graph is missing required node kinds: " + strings.Join(kinds, ", "),
			SuggestedAction: "describe the missing " + strings.Join(kinds, " and ") + " in the brief",
		}}}
	}

	idx := g.NodeIndex()
	type pair struct{ option, factor string }
	seen := map[pair]bool{}
	var blockers []Blocker
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		opt, fac := idx[e.From], idx[e.To]
		if opt == nil || fac == nil || opt.Kind != model.KindOption || fac.Kind != model.KindFactor {
			continue
		}
		p := pair{opt.ID, fac.ID}
		if seen[p] {
			continue
		}
		if b, ok := blockerFor(opt, fac); ok {
			seen[p] = true
			blockers = append(blockers, b)
		}
	}
	sort.SliceStable(blockers, func(i, j int) bool {
		if blockers[i].OptionID != blockers[j].OptionID {
			return blockers[i].OptionID < blockers[j].OptionID
		}
		return blockers[i].FactorID < blockers[j].FactorID
	})

	status := StatusReady
	for _, b := range blockers {
		switch b.BlockerType {
		case BlockerUnmappedFactor:
			status = StatusNeedsUserMapping
		case BlockerMissingValue:
			if status == StatusReady {
				status = StatusNeedsUserInput
			}
		}
	}
	return Ready{Status: status, Blockers: blockers}
}

func blockerFor(opt, fac *model.Node) (Blocker, bool) {
	label := fac.Label
	if label == "" {
		label = fac.ID
	}
	b := Blocker{OptionID: opt.ID, FactorID: fac.ID, FactorLabel: label}
	switch {
	case fac.Category == model.CategoryNone:
		b.BlockerType = BlockerUnmappedFactor
		b.Message = fmt.Sprintf("option %q acts on %q, which is not classified", opt.ID, label)
		b.SuggestedAction = "mark the factor as controllable, observable or external"
		return b, true
	case fac.Category == model.CategoryControllable && !hasValue(fac):
		b.BlockerType = BlockerMissingValue
		b.Message = fmt.Sprintf("option %q sets %q but no current value is known", opt.ID, label)
		b.SuggestedAction = "provide the current value of " + label
		return b, true
	}
	return Blocker{}, false
}

func hasValue(n *model.Node) bool {
	if n.Data != nil && (n.Data.Value != nil || n.Data.Baseline != nil) {
		return true
	}
	return n.ObservedState != nil && n.ObservedState.Value != nil
}
