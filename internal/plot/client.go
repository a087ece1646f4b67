package plot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/cee/internal/graph/model"
)

const (
	defaultTimeout    = 10 * time.Second
	validatePath      = "/v1/validate-graph"
	validatePatchPath = "/v1/validate-patch"
	maxResponseBytes  = 8 << 20
)

type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	ExtraHeaders map[string]string
}

// Client calls the remote engine over HTTP.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 0}}
}

func (c *Client) ValidateGraph(ctx context.Context, g *model.Graph) (ValidateResult, error) {
	var out ValidateResult
	if err := c.post(ctx, "validate-graph", validatePath, map[string]any{"graph": g}, &out); err != nil {
		return ValidateResult{}, err
	}
	if out.OK && len(out.Violations) > 0 {
		out.OK = false
	}
	return out, nil
}

func (c *Client) ValidatePatch(ctx context.Context, req PatchRequest) (PatchVerdict, error) {
	var raw struct {
		PatchVerdict
		Verdict string `json:"verdict"`
	}
	if err := c.post(ctx, "validate-patch", validatePatchPath, req, &raw); err != nil {
		return PatchVerdict{}, err
	}
	v, err := ParseVerdict(raw.Verdict)
	if err != nil {
		return PatchVerdict{}, err
	}
	out := raw.PatchVerdict
	out.Verdict = v
	return out, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewRequestTimeoutError(op, err.Error())
		}
		return err
	}
	defer resp.Body.Close()

	rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw := map[string]any{}
		if err := json.Unmarshal(rawBytes, &raw); err != nil {
			raw["raw_body"] = string(rawBytes)
		}
		msg, _ := raw["message"].(string)
		if msg == "" {
			msg = op + " failed"
		}
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return ErrorFromHTTPStatus(op, resp.StatusCode, msg, raw, ra)
	}
	return json.Unmarshal(rawBytes, out)
}
