package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/cee/internal/boundary"
	"github.com/danshapiro/cee/internal/graph/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CEE_ENV", "CEE_BOUNDARY_ALLOW_INVALID", "CEE_PLOT_BASE_URL", "CEE_REDIS_ADDR", "CEE_LLM_MODEL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_YAMLAndJSON(t *testing.T) {
	clearEnv(t)
	yml := writeFile(t, "cee.yaml", `
version: 1
environment: Staging
pipeline:
  enforce_single_goal: false
  max_repair_retries: 0
  required_kinds: {goal: 1, outcome: 1}
boundary:
  schema_version: v2
redis:
  addr: 127.0.0.1:6379
`)
	cfg, err := Load(yml)
	if err != nil {
		t.Fatalf("Load(yaml): %v", err)
	}
	if cfg.Environment != "staging" || *cfg.Pipeline.EnforceSingleGoal || *cfg.Pipeline.MaxRepairRetries != 0 {
		t.Fatalf("cfg: %+v", cfg.Pipeline)
	}
	if cfg.Boundary.SchemaVersion != "v2" || cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.Prefix != "cee:" {
		t.Fatalf("cfg: %+v", cfg)
	}
	if got := cfg.RequiredKinds(); got[model.KindOutcome] != 1 || len(got) != 2 {
		t.Fatalf("required kinds: %+v", got)
	}
	if boundary.OverrideAllowed(cfg.Environment) {
		t.Fatalf("staging should count as production")
	}

	js := writeFile(t, "cee.json", `{
  "version": 1,
  "pipeline": {"clarifier_enabled": true, "clarifier_quality_threshold": 0.5},
  "plot": {"base_url": " http://plot.local "}
}`)
	cfg2, err := Load(js)
	if err != nil {
		t.Fatalf("Load(json): %v", err)
	}
	if !cfg2.Pipeline.ClarifierEnabled || *cfg2.Pipeline.ClarifierQualityThreshold != 0.5 {
		t.Fatalf("pipeline: %+v", cfg2.Pipeline)
	}
	if cfg2.Plot.BaseURL != "http://plot.local" || cfg2.Environment != "prod" {
		t.Fatalf("cfg2: %+v", cfg2)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Pipeline
	if !*p.EnforceSingleGoal || *p.MaxRepairRetries != 1 || *p.ClarifierQualityThreshold != 0.8 {
		t.Fatalf("pipeline: %+v", p)
	}
	if p.MaxNodes != 50 || p.MaxEdges != 200 || p.RepairBudgetMS != 30000 || p.MaxCostUSD != 0 {
		t.Fatalf("limits: %+v", p)
	}
	if len(p.ReservedConstraintGlobs) != 2 || cfg.Boundary.SchemaVersion != string(model.SchemaV3) {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.Boundary.AllowInvalid || cfg.Logging.Mode != "dev" {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.Environment != "prod" || boundary.OverrideAllowed(cfg.Environment) {
		t.Fatalf("unset environment must default to production, got %q", cfg.Environment)
	}
}

func TestLoad_AllowInvalidWithoutEnvironmentStaysProduction(t *testing.T) {
	clearEnv(t)
	t.Setenv("CEE_BOUNDARY_ALLOW_INVALID", "true")
	cfg, err := Load(writeFile(t, "cee.yaml", "version: 1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Boundary.AllowInvalid || cfg.Environment != "prod" || boundary.OverrideAllowed(cfg.Environment) {
		t.Fatalf("cfg: env=%q allow_invalid=%v", cfg.Environment, cfg.Boundary.AllowInvalid)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CEE_ENV", "prod")
	t.Setenv("CEE_BOUNDARY_ALLOW_INVALID", "true")
	t.Setenv("CEE_PLOT_BASE_URL", "http://plot:8080")
	t.Setenv("CEE_REDIS_ADDR", "redis:6379")
	t.Setenv("CEE_LLM_MODEL", "gpt-4o-mini")

	yml := writeFile(t, "cee.yaml", "version: 1\nenvironment: local\n")
	cfg, err := Load(yml)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "prod" || !cfg.Boundary.AllowInvalid || boundary.OverrideAllowed(cfg.Environment) {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.Plot.BaseURL != "http://plot:8080" || cfg.Redis.Addr != "redis:6379" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("cfg: %+v", cfg)
	}

	t.Setenv("CEE_BOUNDARY_ALLOW_INVALID", "maybe")
	if _, err := Load(yml); err == nil || !strings.Contains(err.Error(), "CEE_BOUNDARY_ALLOW_INVALID") {
		t.Fatalf("expected bool parse error, got %v", err)
	}
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"unknown.yaml":   "version: 1\nbogus: true\n",
		"version.yaml":   "version: 2\n",
		"multi.yaml":     "version: 1\n---\nversion: 1\n",
		"env.yaml":       "environment: mars\n",
		"retries.yaml":   "pipeline: {max_repair_retries: -1}\n",
		"threshold.yaml": "pipeline: {clarifier_quality_threshold: 1.5}\n",
		"kind.yaml":      "pipeline: {required_kinds: {widget: 1}}\n",
		"glob.yaml":      "pipeline: {reserved_constraint_globs: [\"constraint_[\"]}\n",
		"schema.yaml":    "boundary: {schema_version: v9}\n",
		"mode.yaml":      "logging: {mode: verbose}\n",
		"unknown.json":   `{"version": 1, "extra": 1}`,
		"trailing.json":  `{"version": 1} {"version": 1}`,
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, name, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestValidateConfig_Nil(t *testing.T) {
	if err := validateConfig(nil); err == nil {
		t.Fatalf("expected error")
	}
	if cfg := Default(); cfg.Version != 1 || cfg.Environment != "prod" {
		t.Fatalf("Default: %+v", cfg)
	}
}
