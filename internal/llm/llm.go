// Package llm is the language-model boundary. The semantic analyzer and the
// plan generator call a Backend; nothing else in the engine talks to a model,
// and the policy gate never imports this package.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/config"
	"go.uber.org/zap"
)

var (
	ErrEmptyResponse = errors.New("empty response from model")
	ErrNoJSON        = errors.New("no JSON value in model output")
	ErrAPIKeyMissing = errors.New("api key required")
)

// Constraints bound a single generation.
type Constraints struct {
	System      string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Response is a completed generation.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Backend generates text from a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string, c Constraints) (Response, error)
	Name() string
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, prompt string, c Constraints) (Response, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, prompt string, c Constraints) (Response, error) {
	return f(ctx, prompt, c)
}

// Name returns "func".
func (f Func) Name() string { return "func" }

// Static returns a backend that always answers text.
func Static(text string) Backend {
	return Func(func(context.Context, string, Constraints) (Response, error) {
		return Response{Text: text, Model: "static"}, nil
	})
}

// New creates the configured backend. Provider "none" yields a nil Backend
// and no error; callers treat a nil Backend as "no model available".
func New(cfg config.LLMConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.APIKey.Value(),
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout.Duration(),
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
		}, logger)
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:    cfg.APIKey.Value(),
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
