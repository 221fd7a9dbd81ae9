package embeddings

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/config"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
)

// Provider is an embedder with a known dimension.
type Provider interface {
	vectorstore.Embedder
	Dimension() int
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	Provider string // fastembed, tei, openai or hash
	Model    string
	BaseURL  string
	APIKey   string
	CacheDir string
}

// FromAppConfig converts the process configuration section.
func FromAppConfig(c config.EmbeddingsConfig) ProviderConfig {
	return ProviderConfig{
		Provider: c.Provider,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey.Value(),
		CacheDir: c.CacheDir,
	}
}

// NewProvider creates the configured embedding provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "fastembed", "":
		return NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "tei":
		svc, err := NewService(Config{BaseURL: cfg.BaseURL, Model: cfg.Model, APIKey: cfg.APIKey})
		if err != nil {
			return nil, err
		}
		return &teiProvider{Service: svc, dimension: detectDimensionFromModel(cfg.Model)}, nil
	case "openai":
		return NewOpenAIProvider(cfg)
	case "hash":
		return NewHashProvider(detectDimensionFromModel(cfg.Model)), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name,
// 384 when unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "ada-002"):
		return 1536
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

type teiProvider struct {
	*Service
	dimension int
}

func (t *teiProvider) Dimension() int { return t.dimension }

func (t *teiProvider) Close() error { return nil }
