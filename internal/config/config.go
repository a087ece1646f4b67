// Package config loads the service configuration from YAML or JSON with
// environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/cee/internal/graph/model"
)

type PipelineConfig struct {
	EnforceSingleGoal             *bool          `json:"enforce_single_goal,omitempty" yaml:"enforce_single_goal,omitempty"`
	OrchestratorValidationEnabled bool           `json:"orchestrator_validation_enabled,omitempty" yaml:"orchestrator_validation_enabled,omitempty"`
	ClarifierEnabled              bool           `json:"clarifier_enabled,omitempty" yaml:"clarifier_enabled,omitempty"`
	ClarifierQualityThreshold     *float64       `json:"clarifier_quality_threshold,omitempty" yaml:"clarifier_quality_threshold,omitempty"`
	MaxRepairRetries              *int           `json:"max_repair_retries,omitempty" yaml:"max_repair_retries,omitempty"`
	MaxNodes                      int            `json:"max_nodes,omitempty" yaml:"max_nodes,omitempty"`
	MaxEdges                      int            `json:"max_edges,omitempty" yaml:"max_edges,omitempty"`
	RepairBudgetMS                int            `json:"repair_budget_ms,omitempty" yaml:"repair_budget_ms,omitempty"`
	MaxCostUSD                    float64        `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
	RequiredKinds                 map[string]int `json:"required_kinds,omitempty" yaml:"required_kinds,omitempty"`
	ReservedConstraintGlobs       []string       `json:"reserved_constraint_globs,omitempty" yaml:"reserved_constraint_globs,omitempty"`
}

type BoundaryConfig struct {
	SchemaVersion string `json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	// AllowInvalid is honored only in non-production environments.
	AllowInvalid bool `json:"allow_invalid,omitempty" yaml:"allow_invalid,omitempty"`
}

type PlotConfig struct {
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type LLMConfig struct {
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type RedisConfig struct {
	Addr   string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTLMS  int    `json:"ttl_ms,omitempty" yaml:"ttl_ms,omitempty"`
}

type LoggingConfig struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

type Config struct {
	Version     int            `json:"version" yaml:"version"`
	Environment string         `json:"environment,omitempty" yaml:"environment,omitempty"`
	Pipeline    PipelineConfig `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	Boundary    BoundaryConfig `json:"boundary,omitempty" yaml:"boundary,omitempty"`
	Plot        PlotConfig     `json:"plot,omitempty" yaml:"plot,omitempty"`
	LLM         LLMConfig      `json:"llm,omitempty" yaml:"llm,omitempty"`
	Redis       RedisConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`
	Logging     LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Load reads path (YAML unless it ends in .json), applies environment
// overrides and defaults, then validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := decodeJSONStrict(b, &cfg); err != nil {
				return nil, err
			}
		default:
			if err := decodeYAMLStrict(b, &cfg); err != nil {
				return nil, err
			}
		}
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given and no
// environment overrides apply.
func Default() *Config {
	var cfg Config
	applyConfigDefaults(&cfg)
	return &cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("CEE_ENV"); ok {
		cfg.Environment = v
	}
	if v, ok := lookup("CEE_BOUNDARY_ALLOW_INVALID"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CEE_BOUNDARY_ALLOW_INVALID: %w", err)
		}
		cfg.Boundary.AllowInvalid = b
	}
	if v, ok := lookup("CEE_PLOT_BASE_URL"); ok {
		cfg.Plot.BaseURL = v
	}
	if v, ok := lookup("CEE_REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := lookup("CEE_LLM_MODEL"); ok {
		cfg.LLM.Model = v
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	// An unnamed environment gets production rules; debug overrides need an
	// explicit local, dev or test.
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = "prod"
	}

	p := &cfg.Pipeline
	if p.EnforceSingleGoal == nil {
		t := true
		p.EnforceSingleGoal = &t
	}
	if p.ClarifierQualityThreshold == nil {
		v := 0.8
		p.ClarifierQualityThreshold = &v
	}
	if p.MaxRepairRetries == nil {
		v := 1
		p.MaxRepairRetries = &v
	}
	if p.MaxNodes == 0 {
		p.MaxNodes = 50
	}
	if p.MaxEdges == 0 {
		p.MaxEdges = 200
	}
	if p.RepairBudgetMS == 0 {
		p.RepairBudgetMS = 30000
	}
	if p.RequiredKinds == nil {
		p.RequiredKinds = map[string]int{"goal": 1, "decision": 1, "option": 1}
	}
	p.ReservedConstraintGlobs = trimNonEmpty(p.ReservedConstraintGlobs)
	if len(p.ReservedConstraintGlobs) == 0 {
		p.ReservedConstraintGlobs = []string{"constraint_*", "goal_constraint_*"}
	}

	cfg.Boundary.SchemaVersion = strings.TrimSpace(cfg.Boundary.SchemaVersion)
	if cfg.Boundary.SchemaVersion == "" {
		cfg.Boundary.SchemaVersion = string(model.DefaultSchemaVersion)
	}
	cfg.Plot.BaseURL = strings.TrimSpace(cfg.Plot.BaseURL)
	if cfg.Plot.TimeoutMS == 0 {
		cfg.Plot.TimeoutMS = 10000
	}
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	if cfg.LLM.APIKeyEnv == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.LLM.TimeoutMS == 0 {
		cfg.LLM.TimeoutMS = 60000
	}
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "cee:"
	}
	if cfg.Redis.TTLMS == 0 {
		cfg.Redis.TTLMS = 86400000
	}
	if cfg.Logging.Mode == "" {
		cfg.Logging.Mode = "dev"
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	switch cfg.Environment {
	case "local", "dev", "development", "test", "staging", "prod", "production":
	default:
		return fmt.Errorf("invalid environment: %q", cfg.Environment)
	}
	p := cfg.Pipeline
	if *p.MaxRepairRetries < 0 {
		return fmt.Errorf("pipeline.max_repair_retries must be >= 0")
	}
	if t := *p.ClarifierQualityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("pipeline.clarifier_quality_threshold must be in [0,1]")
	}
	if p.MaxNodes < 0 || p.MaxEdges < 0 || p.RepairBudgetMS < 0 || p.MaxCostUSD < 0 {
		return fmt.Errorf("pipeline limits must be >= 0")
	}
	for k, n := range p.RequiredKinds {
		if _, err := model.ParseNodeKind(k); err != nil {
			return fmt.Errorf("pipeline.required_kinds: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("pipeline.required_kinds[%s] must be >= 0", k)
		}
	}
	for _, g := range p.ReservedConstraintGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("pipeline.reserved_constraint_globs: invalid pattern %q", g)
		}
	}
	if _, err := model.ParseSchemaVersion(cfg.Boundary.SchemaVersion); err != nil {
		return fmt.Errorf("boundary.schema_version: %w", err)
	}
	if cfg.Plot.TimeoutMS < 0 || cfg.LLM.TimeoutMS < 0 || cfg.Redis.TTLMS < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	switch cfg.Logging.Mode {
	case "dev", "prod":
	default:
		return fmt.Errorf("logging.mode must be dev or prod, got %q", cfg.Logging.Mode)
	}
	return nil
}

// RequiredKinds converts the configured kind names into node kinds.
func (c *Config) RequiredKinds() map[model.NodeKind]int {
	out := map[model.NodeKind]int{}
	for k, n := range c.Pipeline.RequiredKinds {
		if kind, err := model.ParseNodeKind(k); err == nil {
			out[kind] = n
		}
	}
	return out
}

func trimNonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
