package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/RickZee/ai-team/internal/logging"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 300 * time.Second

	// defaultRPM matches the crew-wide request budget: ten completions
	// per minute with a small burst.
	defaultRPM   = 10
	defaultBurst = 3
)

// OllamaConfig configures the Ollama chat client.
type OllamaConfig struct {
	BaseURL           string        `koanf:"base_url"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	NumCtx            int           `koanf:"num_ctx"`
}

// OllamaClient talks to a local Ollama server over its /api/chat and
// /api/tags endpoints.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	numCtx     int
	logger     *logging.Logger
}

// NewOllama builds a client. Zero-value config fields fall back to
// defaults.
func NewOllama(cfg OllamaConfig, logger *logging.Logger) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRPM
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &OllamaClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), defaultBurst),
		numCtx:     cfg.NumCtx,
		logger:     logger,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Complete sends one chat completion. Network failures, 429s and 5xx
// responses come back transient; auth and unknown-model errors are
// permanent.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.ModelID == "" {
		return nil, Permanent("complete", fmt.Errorf("no model id for role %q", req.Role))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Transient("complete", fmt.Errorf("rate limiter: %w", err))
	}

	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxOutputTokens > 0 {
		opts["num_predict"] = req.MaxOutputTokens
	}
	if c.numCtx > 0 {
		opts["num_ctx"] = c.numCtx
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}

	body := ollamaChatRequest{
		Model:    req.ModelID,
		Messages: req.Messages,
		Stream:   false,
		Options:  opts,
	}
	if req.ResponseSchema != "" {
		body.Format = "json"
	}

	start := time.Now()
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Permanent("complete", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent("complete", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transient("complete", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("complete", fmt.Errorf("read response: %w", err))
	}

	if err := classifyStatus("complete", resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var chat ollamaChatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, Transient("complete", fmt.Errorf("decode response: %w", err))
	}
	if chat.Error != "" {
		return nil, classifyMessage("complete", chat.Error)
	}

	c.logger.Debug(ctx, "llm completion",
		zap.String("model", req.ModelID),
		zap.String("role", req.Role),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tokens_in", chat.PromptEvalCount),
		zap.Int("tokens_out", chat.EvalCount),
	)

	return &Response{
		Text:         chat.Message.Content,
		FinishReason: finishReason(chat.DoneReason),
		Tokens:       TokenCounts{In: chat.PromptEvalCount, Out: chat.EvalCount},
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels queries /api/tags for the served model ids.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, Permanent("list_models", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transient("list_models", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("list_models", err)
	}
	if err := classifyStatus("list_models", resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, Transient("list_models", fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return Transient(op, fmt.Errorf("rate limited (429)"))
	case status >= 500:
		return Transient(op, fmt.Errorf("server error (%d): %s", status, truncate(body, 200)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Permanent(op, fmt.Errorf("unauthenticated (%d)", status))
	case status == http.StatusNotFound:
		return Permanent(op, fmt.Errorf("not found (404): %s", truncate(body, 200)))
	default:
		return Permanent(op, fmt.Errorf("unexpected status %d: %s", status, truncate(body, 200)))
	}
}

// classifyMessage maps in-body Ollama errors: missing models are
// configuration problems, everything else is worth a retry.
func classifyMessage(op, msg string) error {
	if bytes.Contains([]byte(msg), []byte("not found")) {
		return Permanent(op, fmt.Errorf("model error: %s", msg))
	}
	return Transient(op, fmt.Errorf("server reported: %s", msg))
}

func finishReason(done string) FinishReason {
	switch done {
	case "stop", "":
		return FinishStop
	case "length":
		return FinishLength
	case "tool", "tool_calls":
		return FinishTool
	default:
		return FinishError
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
