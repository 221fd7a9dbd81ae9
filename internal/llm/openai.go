package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat backend. BaseURL may
// point at any compatible server (vLLM, Ollama, LiteLLM).
type OpenAIConfig struct {
	APIKey    string `json:"-"`
	BaseURL   string
	Model     string
	RateLimit float64
	Burst     int
}

// OpenAI generates through langchaingo's OpenAI client.
type OpenAI struct {
	llm     *openai.LLM
	model   string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAI creates the backend.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	token := cfg.APIKey
	if token == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai: %w", ErrAPIKeyMissing)
		}
		// Local compatible servers ignore the token but the client requires one.
		token = "unused"
	}

	opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(token)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	return &OpenAI{
		llm:     client,
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger,
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return "openai" }

// Generate sends a single-prompt completion.
func (o *OpenAI) Generate(ctx context.Context, prompt string, c Constraints) (Response, error) {
	ctx, span := tracer.Start(ctx, "OpenAI.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if err := o.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter error: %w", err)
	}

	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	opts := []llms.CallOption{
		llms.WithTemperature(c.Temperature),
		llms.WithMaxTokens(maxTokens),
	}
	if len(c.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(c.Stop))
	}

	if c.System != "" {
		prompt = c.System + "\n\n" + prompt
	}

	start := time.Now()
	text, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, opts...)
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("openai generation failed", zap.Error(err))
		return Response{}, fmt.Errorf("openai generate: %w", err)
	}
	if text == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{Text: text, Model: o.model, Latency: time.Since(start)}, nil
}

var _ Backend = (*OpenAI)(nil)
