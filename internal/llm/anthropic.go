package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultMaxTokens        = 1024
	defaultTimeout          = 30 * time.Second
	defaultMaxRetries       = 2
	defaultBaseBackoff      = 500 * time.Millisecond
	defaultRateLimit        = 50.0 / 60.0
	defaultBurst            = 5
)

var tracer = otel.Tracer("taskrouter.llm")

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey  string `json:"-"`
	BaseURL string
	Model   string
	Timeout time.Duration

	// RateLimit is requests per second; Burst the bucket size.
	RateLimit float64
	Burst     int

	MaxRetries  int
	BaseBackoff time.Duration
}

// Anthropic calls the Anthropic Messages API over HTTP.
type Anthropic struct {
	cfg        AnthropicConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrAPIKeyMissing)
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Anthropic{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:     logger,
	}, nil
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Temperature   float64            `json:"temperature"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate waits for the rate limiter, then sends the prompt with retries
// on transient failures.
func (a *Anthropic) Generate(ctx context.Context, prompt string, c Constraints) (Response, error) {
	ctx, span := tracer.Start(ctx, "Anthropic.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.cfg.Model))

	if err := a.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter error: %w", err)
	}

	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	req := anthropicRequest{
		Model:         a.cfg.Model,
		MaxTokens:     maxTokens,
		System:        c.System,
		Temperature:   c.Temperature,
		StopSequences: c.Stop,
		Messages:      []anthropicMessage{{Role: "user", Content: prompt}},
	}

	start := time.Now()
	resp, err := withRetry(ctx, a.cfg.MaxRetries, a.cfg.BaseBackoff, func() (Response, error) {
		return a.doRequest(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		a.logger.Warn("anthropic generation failed", zap.Error(err))
		return Response{}, err
	}
	resp.Latency = time.Since(start)
	span.SetAttributes(attribute.Int("llm.output_tokens", resp.OutputTokens))
	return resp, nil
}

func (a *Anthropic) doRequest(ctx context.Context, req anthropicRequest) (Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.cfg.APIKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return Response{}, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		var errResp anthropicError
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return Response{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return Response{}, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Text:         parsed.Content[0].Text,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

var _ Backend = (*Anthropic)(nil)
