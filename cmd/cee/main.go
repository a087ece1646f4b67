package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/danshapiro/cee/internal/config"
	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/graph/validate"
	"github.com/danshapiro/cee/internal/logger"
	"github.com/danshapiro/cee/internal/plan"
	"github.com/danshapiro/cee/internal/plot"
	"github.com/danshapiro/cee/internal/service"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitBlocked = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return exitUsage
	}
	switch args[0] {
	case "repair":
		return repairCmd(ctx, args[1:], stdout, stderr)
	case "validate":
		return validateCmd(args[1:], stdout, stderr)
	case "hash":
		return hashCmd(args[1:], stdout, stderr)
	case "patch":
		return patchCmd(ctx, args[1:], stdout, stderr)
	default:
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  cee repair --draft <graph.json> [--brief <file>] [--config <cee.yaml>] [--schema v1|v2|v3] [--allow-invalid]")
	fmt.Fprintln(w, "  cee validate --draft <graph.json> [--config <cee.yaml>]")
	fmt.Fprintln(w, "  cee hash --draft <graph.json>")
	fmt.Fprintln(w, "  cee patch --draft <graph.json> --patch <ops.json> [--config <cee.yaml>]")
}

type flags struct {
	draft        string
	brief        string
	config       string
	schema       string
	patch        string
	allowInvalid bool
}

// parseFlags accepts only the flags named in allowed.
func parseFlags(args []string, stderr io.Writer, allowed ...string) (flags, bool) {
	var f flags
	ok := map[string]bool{}
	for _, a := range allowed {
		ok[a] = true
	}
	for i := 0; i < len(args); i++ {
		name := args[i]
		if !ok[name] {
			fmt.Fprintf(stderr, "unknown arg: %s\n", name)
			return f, false
		}
		if name == "--allow-invalid" {
			f.allowInvalid = true
			continue
		}
		i++
		if i >= len(args) {
			fmt.Fprintf(stderr, "%s requires a value\n", name)
			return f, false
		}
		switch name {
		case "--draft":
			f.draft = args[i]
		case "--brief":
			f.brief = args[i]
		case "--config":
			f.config = args[i]
		case "--schema":
			f.schema = args[i]
		case "--patch":
			f.patch = args[i]
		}
	}
	if f.draft == "" {
		usage(stderr)
		return f, false
	}
	return f, true
}

type draftFile struct {
	Graph      json.RawMessage `json:"graph"`
	Rationales []string        `json:"rationales"`
}

// readDraft accepts either a bare graph or the drafting envelope
// {"graph": {...}, "rationales": [...]}.
func readDraft(path string) (*model.Graph, []string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var env draftFile
	if err := json.Unmarshal(b, &env); err == nil && len(env.Graph) > 0 && string(env.Graph) != "null" {
		g, err := model.Parse(env.Graph)
		return g, env.Rationales, err
	}
	g, err := model.Parse(b)
	return g, nil, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func repairCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--draft", "--brief", "--config", "--schema", "--allow-invalid")
	if !ok {
		return exitUsage
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	var version model.SchemaVersion
	if f.schema != "" {
		if version, err = model.ParseSchemaVersion(f.schema); err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
	}
	g, rationales, err := readDraft(f.draft)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	var brief string
	if f.brief != "" {
		b, err := os.ReadFile(f.brief)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		brief = strings.TrimSpace(string(b))
	}

	log, err := logger.New(cfg.Logging.Mode)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer log.Sync()

	svc, closeFn, err := service.Build(cfg, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer closeFn()

	resp, err := svc.Process(ctx, service.Request{
		Brief:         brief,
		Draft:         g,
		Rationales:    rationales,
		SchemaVersion: version,
		AllowInvalid:  f.allowInvalid,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if err := writeJSON(stdout, resp); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if resp.Blocked() {
		if resp.Error != nil {
			fmt.Fprintf(stderr, "blocked: %s (%s)\n", resp.Error.Error(), resp.Error.Code)
		}
		return exitBlocked
	}
	return exitOK
}

func validateCmd(args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--draft", "--config")
	if !ok {
		return exitUsage
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	g, _, err := readDraft(f.draft)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	diags := validate.ValidateWith(g, validate.Options{RequiredKinds: cfg.RequiredKinds()})
	if errs := validate.Errors(diags); len(errs) > 0 {
		for _, d := range diags {
			fmt.Fprintf(stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		}
		return exitBlocked
	}
	fmt.Fprintf(stdout, "ok: %s\n", filepath.Base(f.draft))
	for _, d := range diags {
		fmt.Fprintf(stdout, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
	return exitOK
}

func hashCmd(args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--draft")
	if !ok {
		return exitUsage
	}
	g, rationales, err := readDraft(f.draft)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	a := plan.Annotate(g, rationales)
	out := struct {
		PlanHash   string          `json:"plan_hash"`
		Confidence plan.Confidence `json:"confidence"`
	}{a.PlanHash, a.Confidence}
	if err := writeJSON(stdout, out); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	return exitOK
}

// readPatch accepts either {"ops": [...], "graph_hash": "..."} or a bare
// array of ops.
func readPatch(path string) (plot.PatchRequest, error) {
	var req plot.PatchRequest
	b, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(b, &req.Ops); err == nil {
		return req, nil
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return req, nil
}

func patchCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, ok := parseFlags(args, stderr, "--draft", "--patch", "--config")
	if !ok {
		return exitUsage
	}
	if f.patch == "" {
		usage(stderr)
		return exitUsage
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	g, _, err := readDraft(f.draft)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	req, err := readPatch(f.patch)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	req.Graph = g
	if req.GraphHash == "" {
		req.GraphHash = plan.Annotate(g, nil).PlanHash
	}

	verdict, err := service.BuildPatchValidator(cfg).ValidatePatch(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if verdict.AppliedGraph != nil && verdict.GraphHash == "" {
		verdict.GraphHash = plan.Annotate(verdict.AppliedGraph, nil).PlanHash
	}
	if err := writeJSON(stdout, verdict); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if verdict.Verdict != plot.VerdictAccepted {
		fmt.Fprintf(stderr, "rejected: %s (%s)\n", verdict.Reason, verdict.Code)
		return exitBlocked
	}
	return exitOK
}
