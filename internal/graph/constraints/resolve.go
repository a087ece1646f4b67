package constraints

import (
	"sort"
	"strings"

	"github.com/danshapiro/cee/internal/graph/model"
)

// Match methods, in the order Resolve tries them.
const (
	MatchExact = "exact"
	MatchStem  = "stem"
	MatchLabel = "label"
)

var kindPrefixes = []string{
	"goal_", "decision_", "dec_", "option_", "opt_", "factor_", "fac_", "action_", "act_",
	"outcome_", "out_", "risk_", "evidence_", "ev_", "constraint_", "con_",
}

func stripKindPrefix(id string) string {
	for _, p := range kindPrefixes {
		if strings.HasPrefix(id, p) && len(id) > len(p) {
			return id[len(p):]
		}
	}
	return id
}

func stem(word string) string {
	for _, suf := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(word, suf) && len(word)-len(suf) >= 3 {
			return word[:len(word)-len(suf)]
		}
	}
	return word
}

func stems(snake string) []string {
	var out []string
	for _, w := range strings.Split(snake, "_") {
		if w != "" {
			out = append(out, stem(w))
		}
	}
	return out
}

// containsAll reports whether every stem in want appears in have.
func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := map[string]bool{}
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func resolvable(n *model.Node) bool {
	switch n.Kind {
	case model.KindOption, model.KindDecision, model.KindConstraint:
		return false
	}
	return true
}

// Resolve binds a metric name (and optional provisional id) to a node id. It
// tries an exact id match, then a stem or substring match between the
// normalized name and normalized node ids, then a substring match against
// node labels. Among several stem or label hits the shortest normalized id
// wins, ties broken lexicographically. Option, decision and constraint nodes
// never match.
func Resolve(name, guess string, nodes []*model.Node) (nodeID, method string, ok bool) {
	var candidates []*model.Node
	for _, n := range nodes {
		if n != nil && n.ID != "" && resolvable(n) {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	nameKey := Snake(name)
	guessKey := Snake(guess)
	for _, n := range candidates {
		if (guessKey != "" && n.ID == guess) || (nameKey != "" && n.ID == nameKey) {
			return n.ID, MatchExact, true
		}
	}

	var keys []string
	for _, k := range []string{stripKindPrefix(guessKey), nameKey} {
		if len(k) >= 3 {
			keys = append(keys, k)
		}
	}
	if id, ok := pickShortest(candidates, func(n *model.Node) bool {
		norm := stripKindPrefix(n.ID)
		for _, k := range keys {
			if strings.Contains(norm, k) || (len(norm) >= 3 && strings.Contains(k, norm)) {
				return true
			}
			if containsAll(stems(norm), stems(k)) {
				return true
			}
		}
		return false
	}); ok {
		return id, MatchStem, true
	}

	if len(nameKey) >= 3 {
		if id, ok := pickShortest(candidates, func(n *model.Node) bool {
			label := Snake(n.Label)
			return label != "" && (strings.Contains(label, nameKey) || containsAll(stems(label), stems(nameKey)))
		}); ok {
			return id, MatchLabel, true
		}
	}
	return "", "", false
}

func pickShortest(nodes []*model.Node, match func(*model.Node) bool) (string, bool) {
	best := ""
	for _, n := range nodes {
		if !match(n) {
			continue
		}
		if best == "" || len(stripKindPrefix(n.ID)) < len(stripKindPrefix(best)) {
			best = n.ID
		}
	}
	return best, best != ""
}
