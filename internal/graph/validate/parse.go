package validate

import (
	"fmt"

	"github.com/danshapiro/cee/internal/graph/model"
)

// StructuralParse is the final strict gate: the graph must survive a strict
// JSON round trip and carry no error-level diagnostics.
func StructuralParse(g *model.Graph, opts Options) ([]Diagnostic, error) {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}, fmt.Errorf("graph is nil")
	}
	b, err := model.Marshal(g)
	if err != nil {
		d := Diagnostic{Rule: "graph_encode", Severity: SeverityError, Message: err.Error()}
		return []Diagnostic{d}, err
	}
	parsed, err := model.ParseStrict(b)
	if err != nil {
		d := Diagnostic{Rule: "graph_strict_parse", Severity: SeverityError, Message: err.Error()}
		return []Diagnostic{d}, err
	}
	errs := Errors(ValidateWith(parsed, opts))
	if len(errs) > 0 {
		return errs, errorFrom(errs)
	}
	return nil, nil
}
