package service

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/danshapiro/cee/internal/config"
	"github.com/danshapiro/cee/internal/graph/structure"
	"github.com/danshapiro/cee/internal/graph/validate"
	"github.com/danshapiro/cee/internal/llmrepair"
	"github.com/danshapiro/cee/internal/logger"
	"github.com/danshapiro/cee/internal/plan"
	"github.com/danshapiro/cee/internal/plot"
)

// Build assembles a Service from cfg. Collaborators are optional: with no
// engine URL the local validator is used, with no model LLM repair is
// disabled, and with no Redis address plans are not cached. The returned
// close func releases the Redis client.
func Build(cfg *config.Config, log *logger.Logger) (*Service, func() error, error) {
	log = logger.OrNop(log)
	closer := func() error { return nil }
	deps := Deps{Logger: log}

	if cfg.Plot.BaseURL != "" {
		deps.Repair.Validator = plot.NewClient(plot.ClientConfig{
			BaseURL: cfg.Plot.BaseURL,
			Timeout: time.Duration(cfg.Plot.TimeoutMS) * time.Millisecond,
		})
		log.Info("using remote engine validator", "base_url", cfg.Plot.BaseURL)
	}

	if cfg.LLM.Model != "" {
		opts := []openai.Option{
			openai.WithModel(cfg.LLM.Model),
			openai.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond}),
		}
		if base := strings.TrimSpace(cfg.LLM.BaseURL); base != "" {
			opts = append(opts, openai.WithBaseURL(base))
		}
		if key := os.Getenv(cfg.LLM.APIKeyEnv); key != "" {
			opts = append(opts, openai.WithToken(key))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, closer, fmt.Errorf("llm %s: %w", cfg.LLM.Model, err)
		}
		deps.Repair.Repairer = llmrepair.NewGraphRepairer(m, llmrepair.Config{}, log)
		deps.Repair.Clarifier = llmrepair.NewClarifier(m, llmrepair.Config{}, log)
		log.Info("llm repair enabled", "model", cfg.LLM.Model)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		closer = rdb.Close
		deps.Cache = plan.NewCache(rdb, plan.CacheOptions{
			Prefix: cfg.Redis.Prefix,
			TTL:    time.Duration(cfg.Redis.TTLMS) * time.Millisecond,
		}, log)
	}

	return New(OptionsFromConfig(cfg), deps), closer, nil
}

// BuildPatchValidator returns the remote engine when one is configured and
// the local rules otherwise.
func BuildPatchValidator(cfg *config.Config) plot.PatchValidator {
	if cfg.Plot.BaseURL != "" {
		return plot.NewClient(plot.ClientConfig{
			BaseURL: cfg.Plot.BaseURL,
			Timeout: time.Duration(cfg.Plot.TimeoutMS) * time.Millisecond,
		})
	}
	return plot.LocalEngine{
		Options: validate.Options{RequiredKinds: cfg.RequiredKinds()},
		Limits:  structure.Limits{MaxNodes: cfg.Pipeline.MaxNodes, MaxEdges: cfg.Pipeline.MaxEdges},
	}
}
