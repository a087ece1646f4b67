// Package boundary is the last gate before a graph leaves the service: it
// validates the wire form against the requested schema version and blocks
// anything that does not conform.
package boundary

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/cee/internal/apierr"
	"github.com/danshapiro/cee/internal/graph/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Status string

const (
	StatusPassed     Status = "passed"
	StatusBlocked    Status = "blocked"
	StatusOverridden Status = "overridden"
)

type Blocker struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword,omitempty"`
	Message string `json:"message"`
}

type Options struct {
	SchemaVersion model.SchemaVersion
	// AllowInvalid asks to pass invalid graphs through. It is honored only
	// when Environment permits overrides.
	AllowInvalid bool
	Environment  string
}

type Result struct {
	Status        Status              `json:"status"`
	SchemaVersion model.SchemaVersion `json:"schema_version"`
	// Graph is nil whenever Status is blocked.
	Graph           *model.Graph `json:"graph"`
	Blockers        []Blocker    `json:"blockers,omitempty"`
	OverrideIgnored bool         `json:"override_ignored,omitempty"`
}

// Err describes a blocked result as an API error. It is nil otherwise.
func (r Result) Err() *apierr.Error {
	if r.Status != StatusBlocked {
		return nil
	}
	msgs := make([]string, 0, len(r.Blockers))
	for _, b := range r.Blockers {
		msgs = append(msgs, b.Path+": "+b.Message)
	}
	return &apierr.Error{
		Status:     http.StatusUnprocessableEntity,
		Code:       apierr.CodeBoundaryBlocked,
		Message:    fmt.Sprintf("graph does not conform to schema %s", r.SchemaVersion),
		Violations: msgs,
	}
}

// OverrideAllowed reports whether env is a non-production environment in
// which the invalid-graph override may be honored.
func OverrideAllowed(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

// Check validates g against the schema for opts.SchemaVersion.
func Check(g *model.Graph, opts Options) (Result, error) {
	version := opts.SchemaVersion
	if version == "" {
		version = model.DefaultSchemaVersion
	}
	res := Result{SchemaVersion: version}
	schema, err := schemaFor(version)
	if err != nil {
		return res, err
	}

	var blockers []Blocker
	if g == nil {
		blockers = []Blocker{{Path: "/", Message: "graph is missing"}}
	} else {
		blockers, err = validateGraph(schema, g)
		if err != nil {
			return res, err
		}
	}
	if len(blockers) == 0 {
		res.Status = StatusPassed
		res.Graph = g
		return res, nil
	}
	res.Blockers = blockers
	if opts.AllowInvalid && g != nil {
		if OverrideAllowed(opts.Environment) {
			res.Status = StatusOverridden
			res.Graph = g
			return res, nil
		}
		res.OverrideIgnored = true
	}
	res.Status = StatusBlocked
	return res, nil
}

func validateGraph(schema *jsonschema.Schema, g *model.Graph) ([]Blocker, error) {
	b, err := model.Marshal(g)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	var out []Blocker
	collect(ve, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// collect flattens the validation error tree down to its leaves.
func collect(ve *jsonschema.ValidationError, out *[]Blocker) {
	if len(ve.Causes) == 0 {
		path := ve.InstanceLocation
		if path == "" {
			path = "/"
		}
		kw := ve.KeywordLocation
		if i := strings.LastIndex(kw, "/"); i >= 0 {
			kw = kw[i+1:]
		}
		*out = append(*out, Blocker{Path: path, Keyword: kw, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[model.SchemaVersion]*jsonschema.Schema{}
)

func schemaFor(v model.SchemaVersion) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[v]; ok {
		return s, nil
	}
	s, err := compileSchema(v)
	if err != nil {
		return nil, err
	}
	schemaCache[v] = s
	return s, nil
}

func compileSchema(v model.SchemaVersion) (*jsonschema.Schema, error) {
	name := "graph." + string(v) + ".json"
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("no schema for version %q", v)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}
