// Package llmrepair asks a language model to repair or refine a decision
// graph. Both calls send the graph as JSON and expect a graph back.
package llmrepair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/logger"
	"github.com/danshapiro/cee/internal/plot"
)

const repairSystemPrompt = `You repair causal decision graphs.
Return only a JSON object {"graph": {"nodes": [...], "edges": [...]}}.
Keep every node id that is still valid. Do not invent constraint nodes.
Edges need from, to and strength_mean in [-1, 1]. The graph must be acyclic
and have exactly one goal node.`

const clarifySystemPrompt = `You refine causal decision graphs so they answer the user's brief.
Return only a JSON object {"graph": {"nodes": [...], "edges": [...]}}.
Do not remove the goal node. Keep ids stable. Prefer adjusting labels,
strengths and missing links over restructuring.`

type Config struct {
	Temperature float64
	MaxTokens   int
}

// GraphRepairer implements plot.Repairer on top of any llms.Model.
type GraphRepairer struct {
	model llms.Model
	cfg   Config
	log   *logger.Logger
}

func NewGraphRepairer(m llms.Model, cfg Config, log *logger.Logger) *GraphRepairer {
	return &GraphRepairer{model: m, cfg: cfg, log: logger.OrNop(log)}
}

func (r *GraphRepairer) RepairGraph(ctx context.Context, g *model.Graph, violations []string) (plot.RepairResult, error) {
	if g == nil {
		return plot.RepairResult{}, fmt.Errorf("repair graph: graph is nil")
	}
	body, err := model.Marshal(g)
	if err != nil {
		return plot.RepairResult{}, err
	}
	var b strings.Builder
	b.WriteString("Violations:\n")
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	b.WriteString("\nGraph:\n")
	b.Write(body)

	out, usage, err := generateGraph(ctx, r.model, r.cfg, repairSystemPrompt, b.String())
	if err != nil {
		r.log.Warn("llm graph repair failed", "error", err, "violations", len(violations))
		return plot.RepairResult{}, err
	}
	r.log.Debug("llm graph repair done", "nodes", len(out.Nodes), "edges", len(out.Edges), "output_tokens", usage.OutputTokens)
	return plot.RepairResult{Graph: out, Usage: usage}, nil
}

// Clarifier refines a converged graph against the brief.
type Clarifier struct {
	model llms.Model
	cfg   Config
	log   *logger.Logger
}

func NewClarifier(m llms.Model, cfg Config, log *logger.Logger) *Clarifier {
	return &Clarifier{model: m, cfg: cfg, log: logger.OrNop(log)}
}

func (c *Clarifier) Refine(ctx context.Context, brief string, g *model.Graph, quality float64) (*model.Graph, plot.Usage, error) {
	if g == nil {
		return nil, plot.Usage{}, fmt.Errorf("clarify: graph is nil")
	}
	body, err := model.Marshal(g)
	if err != nil {
		return nil, plot.Usage{}, err
	}
	prompt := fmt.Sprintf("Brief:\n%s\n\nCurrent quality score: %.2f\n\nGraph:\n%s", strings.TrimSpace(brief), quality, body)
	out, usage, err := generateGraph(ctx, c.model, c.cfg, clarifySystemPrompt, prompt)
	if err != nil {
		return nil, usage, err
	}
	return out, usage, nil
}

func generateGraph(ctx context.Context, m llms.Model, cfg Config, system, human string) (*model.Graph, plot.Usage, error) {
	if m == nil {
		return nil, plot.Usage{}, fmt.Errorf("llm model is not configured")
	}
	opts := []llms.CallOption{llms.WithJSONMode(), llms.WithTemperature(cfg.Temperature)}
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, human),
	}, opts...)
	if err != nil {
		return nil, plot.Usage{}, fmt.Errorf("failed to generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return nil, plot.Usage{}, fmt.Errorf("empty response from model")
	}
	choice := resp.Choices[0]
	usage := usageFrom(choice.GenerationInfo)
	g, err := ParseGraphResponse(choice.Content)
	if err != nil {
		return nil, usage, err
	}
	return g, usage, nil
}

// ParseGraphResponse accepts either {"graph": {...}} or a bare graph object,
// optionally wrapped in a markdown code fence.
func ParseGraphResponse(content string) (*model.Graph, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	var wrapper struct {
		Graph json.RawMessage `json:"graph"`
	}
	if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
		return nil, fmt.Errorf("model response is not JSON: %w", err)
	}
	raw := []byte(s)
	if len(wrapper.Graph) > 0 && string(wrapper.Graph) != "null" {
		raw = wrapper.Graph
	}
	g, err := model.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("model response graph: %w", err)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("model response graph has no nodes")
	}
	return g, nil
}

func usageFrom(info map[string]any) plot.Usage {
	return plot.Usage{
		InputTokens:  intFromAny(firstPresent(info, "PromptTokens", "prompt_tokens", "input_tokens")),
		OutputTokens: intFromAny(firstPresent(info, "CompletionTokens", "completion_tokens", "output_tokens")),
	}
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}
