// Package constraints extracts compound-goal constraints ("keep churn under
// 5%") from a brief and binds them to existing graph nodes. Constraints are
// side-channel metadata; nothing in this package adds nodes or edges.
package constraints

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Operator string

const (
	OpLE Operator = "<="
	OpGE Operator = ">="
)

func (o Operator) Valid() bool { return o == OpLE || o == OpGE }

// ParseOperator accepts the symbolic and unicode forms.
func ParseOperator(s string) (Operator, bool) {
	switch strings.TrimSpace(s) {
	case "<=", "<", "≤":
		return OpLE, true
	case ">=", ">", "≥":
		return OpGE, true
	default:
		return "", false
	}
}

// Candidate is one raw extraction before it is bound to a node.
type Candidate struct {
	TargetName  string   `json:"target_name"`
	TargetGuess string   `json:"target_node_id"`
	Operator    Operator `json:"operator"`
	Value       float64  `json:"value"`
	Unit        string   `json:"unit,omitempty"`
	SourceQuote string   `json:"source_quote"`
	Junk        bool     `json:"-"`
	start, end  int
}

const namePat = `((?:[a-z][a-z0-9_\-]*\s+){0,3}[a-z][a-z0-9_\-]*)`
const numPat = `(\$)?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(%|percent\b|k\b|m\b|thousand\b|million\b)?`

type pattern struct {
	re *regexp.Regexp
	op func(phrase string) Operator
}

var lowerBounds = map[string]bool{
	"above": true, "over": true, "more than": true, "at least": true, "no less than": true,
	"not fall below": true, "not drop below": true, "not go below": true, "stay above": true,
	"be above": true, "be at least": true, "fall below": true, "drop below": true, "go below": true,
}

// boundOp maps a bound phrase to its operator; anything not listed as a
// lower bound is an upper bound.
func boundOp(phrase string) Operator {
	p := strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	if lowerBounds[p] {
		return OpGE
	}
	return OpLE
}

var patterns = []pattern{
	{
		re: regexp.MustCompile(`(?i)\b(?:keep|maintain|hold|cap|limit)\s+` + namePat + `\s+(under|below|less than|at most|no more than|above|over|more than|at least|no less than)\s+` + numPat),
		op: boundOp,
	},
	{
		re: regexp.MustCompile(`(?i)\b` + namePat + `\s+(?:must|should|may|can)\s+(not exceed|not go above|not rise above|not fall below|not drop below|not go below|stay below|stay under|stay above|be below|be under|be above|be at most|be at least)\s+` + numPat),
		op: boundOp,
	},
	{
		re: regexp.MustCompile(`(?i)\b` + namePat + `\s+(?:cannot|can't|can not)\s+(exceed|go above|rise above|fall below|drop below|go below)\s+` + numPat),
		op: boundOp,
	},
	{
		re: regexp.MustCompile(`(?i)\b` + namePat + `\s+(?:of\s+|is\s+|at\s+)?(no more than|no less than|at most|at least)\s+` + numPat),
		op: boundOp,
	},
	{
		re: regexp.MustCompile(`(?i)\b` + namePat + `\s*(<=|>=|≤|≥|<|>)\s*` + numPat),
		op: func(sym string) Operator {
			op, _ := ParseOperator(sym)
			return op
		},
	},
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "our": true, "my": true, "their": true, "its": true,
	"we": true, "i": true, "you": true, "they": true, "to": true, "and": true, "or": true,
	"need": true, "want": true, "must": true, "should": true, "keep": true, "also": true,
	"while": true, "but": true, "total": true, "overall": true, "that": true, "with": true,
	"so": true, "of": true, "is": true, "be": true, "will": true,
}

var junkNames = map[string]bool{
	"it": true, "this": true, "that": true, "things": true, "stuff": true, "everything": true,
	"something": true, "them": true, "these": true, "those": true, "value": true, "number": true,
}

// Extract scans free text for constraint phrases. Matches are returned in
// text order; overlapping matches from later patterns are discarded.
func Extract(brief string) []Candidate {
	var out []Candidate
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(brief, -1) {
			c, ok := candidateFrom(brief, m, p.op)
			if !ok || overlaps(out, c) {
				continue
			}
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func overlaps(existing []Candidate, c Candidate) bool {
	for _, e := range existing {
		if c.start < e.end && e.start < c.end {
			return true
		}
	}
	return false
}

func candidateFrom(text string, m []int, opFn func(string) Operator) (Candidate, bool) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return text[m[2*i]:m[2*i+1]]
	}
	rawName, phrase := group(1), group(2)
	dollar, num, suffix := group(3), group(4), strings.ToLower(group(5))

	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return Candidate{}, false
	}
	c := Candidate{
		Operator:    opFn(phrase),
		SourceQuote: strings.TrimSpace(text[m[0]:m[1]]),
		start:       m[0],
		end:         m[1],
	}
	switch suffix {
	case "%", "percent":
		v /= 100
		c.Unit = "%"
	case "k", "thousand":
		v *= 1e3
	case "m", "million":
		v *= 1e6
	}
	if dollar != "" {
		c.Unit = "USD"
	}
	c.Value = v
	c.TargetName = cleanName(rawName)
	c.TargetGuess = GuessNodeID(c.TargetName)
	c.Junk = isJunk(c)
	return c, true
}

func cleanName(raw string) string {
	words := strings.Fields(strings.ToLower(raw))
	for len(words) > 0 && stopwords[words[0]] {
		words = words[1:]
	}
	for len(words) > 0 && stopwords[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func isJunk(c Candidate) bool {
	name := strings.TrimSpace(c.TargetName)
	if len(name) < 2 || junkNames[name] {
		return true
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return true
	}
	if !c.Operator.Valid() {
		return true
	}
	return c.Unit == "%" && (c.Value < 0 || c.Value > 10)
}

// GuessNodeID builds the provisional factor id for a metric name.
func GuessNodeID(name string) string {
	s := Snake(name)
	if s == "" {
		return ""
	}
	return "fac_" + s
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Snake lowercases s and joins its alphanumeric runs with underscores.
func Snake(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "_"), "_")
}
