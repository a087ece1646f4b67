package plot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/structure"
)

func smallGraph() *model.Graph {
	return &model.Graph{
		Nodes: []*model.Node{
			{ID: "goal", Kind: model.KindGoal, Label: "Goal"},
			{ID: "dec", Kind: model.KindDecision, Label: "Decision"},
			{ID: "opt", Kind: model.KindOption, Label: "Option"},
		},
		Edges: []*model.Edge{
			{ID: "dec::opt::0", From: "dec", To: "opt", StrengthMean: model.Float(1)},
			{ID: "opt::goal::0", From: "opt", To: "goal", StrengthMean: model.Float(0.5)},
		},
	}
}

func TestClient_ValidateGraph(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["graph"] == nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true, "violations": ["edge x::y::0 out of range"]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL + "/"})
	res, err := c.ValidateGraph(context.Background(), smallGraph())
	if err != nil {
		t.Fatalf("ValidateGraph: %v", err)
	}
	if gotPath != validatePath {
		t.Fatalf("path=%q", gotPath)
	}
	if res.OK || len(res.Violations) != 1 {
		t.Fatalf("violations must force ok=false: %+v", res)
	}
}

func TestClient_ClassifiesHTTPErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message": "engine warming up"}`))
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{BaseURL: srv.URL})

	_, err := c.ValidateGraph(context.Background(), smallGraph())
	var se *ServerError
	if !errors.As(err, &se) || !IsRetryable(err) {
		t.Fatalf("want retryable ServerError, got %T %v", err, err)
	}
	if ra := se.RetryAfter(); ra == nil || *ra != 3*time.Second {
		t.Fatalf("retry-after=%v", ra)
	}
	if !strings.Contains(err.Error(), "engine warming up") {
		t.Fatalf("message lost: %v", err)
	}

	status = http.StatusUnprocessableEntity
	_, err = c.ValidateGraph(context.Background(), smallGraph())
	var ir *InvalidRequestError
	if !errors.As(err, &ir) || IsRetryable(err) {
		t.Fatalf("want non-retryable InvalidRequestError, got %T", err)
	}
}

func TestClient_ValidatePatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != validatePatchPath {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"verdict": "Rejected", "code": "CYCLE", "violations": ["cycle a->b->a"]}`))
	}))
	defer srv.Close()
	v, err := NewClient(ClientConfig{BaseURL: srv.URL}).ValidatePatch(context.Background(), PatchRequest{Graph: smallGraph()})
	if err != nil {
		t.Fatalf("ValidatePatch: %v", err)
	}
	if v.Verdict != VerdictRejected || v.Code != "CYCLE" || len(v.Violations) != 1 {
		t.Fatalf("verdict=%+v", v)
	}
}

func TestErrorFromHTTPStatus_Table(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false}, {401, false}, {404, false}, {408, true}, {429, true}, {500, true}, {599, true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("validate-graph", tc.status, "x", nil, nil)
		if IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d retryable=%v", tc.status, IsRetryable(err))
		}
	}
}

func TestLocalEngine_ValidateGraph(t *testing.T) {
	eng := LocalEngine{Limits: structure.Limits{MaxNodes: 2}}
	res, err := eng.ValidateGraph(context.Background(), smallGraph())
	if err != nil {
		t.Fatalf("ValidateGraph: %v", err)
	}
	if res.OK || len(res.Violations) != 1 || !strings.HasPrefix(res.Violations[0], "node_limit") {
		t.Fatalf("res=%+v", res)
	}

	res, _ = LocalEngine{}.ValidateGraph(context.Background(), smallGraph())
	if !res.OK {
		t.Fatalf("clean graph rejected: %v", res.Violations)
	}
}

func TestLocalEngine_ValidatePatch(t *testing.T) {
	eng := LocalEngine{}
	ok, err := eng.ValidatePatch(context.Background(), PatchRequest{
		Graph: smallGraph(),
		Ops: []PatchOp{
			{Op: "add_node", Node: &model.Node{ID: "out", Kind: model.KindOutcome, Label: "Outcome"}},
			{Op: "add_edge", Edge: &model.Edge{From: "opt", To: "out", StrengthMean: model.Float(0.3)}},
		},
	})
	if err != nil || ok.Verdict != VerdictAccepted || ok.AppliedGraph == nil {
		t.Fatalf("verdict=%+v err=%v", ok, err)
	}
	if ok.AppliedGraph.Edge("opt::out::0") == nil {
		t.Fatalf("applied graph lacks stable id for new edge")
	}

	bad, _ := eng.ValidatePatch(context.Background(), PatchRequest{
		Graph: smallGraph(),
		Ops:   []PatchOp{{Op: "add_edge", Edge: &model.Edge{From: "goal", To: "dec"}}},
	})
	if bad.Verdict != VerdictRejected || bad.Code != "PATCH_GRAPH_INVALID" {
		t.Fatalf("cycle patch should be rejected: %+v", bad)
	}

	unknown, _ := eng.ValidatePatch(context.Background(), PatchRequest{Graph: smallGraph(), Ops: []PatchOp{{Op: "rename"}}})
	if unknown.Code != "PATCH_OP_INVALID" {
		t.Fatalf("unknown op: %+v", unknown)
	}
}
