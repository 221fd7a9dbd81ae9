// Package config provides configuration loading for taskrouter.
//
// Configuration is read from a YAML file and overridden by environment
// variables. Every section has defaults applied after loading, so an empty
// file (or no file) yields a runnable single-node configuration backed by the
// embedded chromem vector store and the heuristic analyzer.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete taskrouter configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	LLM         LLMConfig         `koanf:"llm"`
	Semantic    SemanticConfig    `koanf:"semantic"`
	Intent      IntentConfig      `koanf:"intent"`
	Planner     PlannerConfig     `koanf:"planner"`
	Policy      PolicyConfig      `koanf:"policy"`
	Dispatch    DispatchConfig    `koanf:"dispatch"`
	Memory      MemoryConfig      `koanf:"memory"`
	Catalog     CatalogConfig     `koanf:"catalog"`
	Secrets     SecretsConfig     `koanf:"secrets"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MCP mounts the MCP streamable HTTP endpoint at /mcp.
	MCP bool `koanf:"mcp"`
}

// LoggingConfig selects level and encoding for the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// VectorStoreConfig selects the backend for the retrieval namespaces.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // chromem or qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go database.
type ChromemConfig struct {
	Path     string `koanf:"path"` // empty keeps the store in memory
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // fastembed, tei, openai or hash
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// LLMConfig selects the language-model backend used by the analyzer and the
// plan generator. Provider "none" disables model calls entirely.
type LLMConfig struct {
	Provider  string   `koanf:"provider"` // none, openai or anthropic
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second
	Burst     int      `koanf:"burst"`
}

// SemanticConfig configures Stage 1.
type SemanticConfig struct {
	BackendTimeout  Duration `koanf:"backend_timeout"`
	StageDeadline   Duration `koanf:"stage_deadline"`
	MaxContextChars int      `koanf:"max_context_chars"`
	UseLLM          bool     `koanf:"use_llm"`
}

// IntentConfig configures Stage 2 scoring.
type IntentConfig struct {
	Threshold           float64  `koanf:"threshold"`
	TopicWeight         float64  `koanf:"topic_weight"`
	ActionWeight        float64  `koanf:"action_weight"`
	EntityWeight        float64  `koanf:"entity_weight"`
	ArchitectureBoost   float64  `koanf:"architecture_boost"`
	ArchitectureTopK    int      `koanf:"architecture_top_k"`
	ArchitectureFloor   float64  `koanf:"architecture_floor"`
	ArchitectureTimeout Duration `koanf:"architecture_timeout"`
	UseArchitectureHint bool     `koanf:"use_architecture_hint"`
}

// PlannerConfig configures Stage 3.
type PlannerConfig struct {
	TopK              int      `koanf:"top_k"`
	SimilarityFloor   float64  `koanf:"similarity_floor"`
	RetrievalTimeout  Duration `koanf:"retrieval_timeout"`
	GenerationTimeout Duration `koanf:"generation_timeout"`
	Generator         string   `koanf:"generator"` // chain or llm
}

// PolicyConfig configures Stage 4.
type PolicyConfig struct {
	RateLimit float64 `koanf:"rate_limit"` // graphs per second per caller, 0 disables
	RateBurst int     `koanf:"rate_burst"`
	MaxNodes  int     `koanf:"max_nodes"`
}

// DispatchConfig configures Stage 5.
type DispatchConfig struct {
	MaxInFlight int      `koanf:"max_in_flight"`
	NodeTimeout Duration `koanf:"node_timeout"`
	NATSURL     string   `koanf:"nats_url"`
}

// MemoryConfig configures the routing memory sinks.
type MemoryConfig struct {
	Index       bool   `koanf:"index"`         // index records into the vector store
	NATSSubject string `koanf:"nats_subject"`  // publish records when set
	MaxInMemory int    `koanf:"max_in_memory"` // bounded in-process history
}

// CatalogConfig points at the administrative catalog files.
type CatalogConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// SecretsConfig configures scrubbing of task text.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// PipelineConfig holds request-level settings.
type PipelineConfig struct {
	RequestDeadline Duration `koanf:"request_deadline"`
	AutoDispatch    bool     `koanf:"auto_dispatch"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}

	switch c.LLM.Provider {
	case "none":
	case "openai", "anthropic":
		if !c.LLM.APIKey.IsSet() && c.LLM.BaseURL == "" {
			errs = append(errs, fmt.Errorf("llm provider %q requires api_key or base_url", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}

	if c.Planner.TopK <= 0 {
		errs = append(errs, fmt.Errorf("planner.top_k must be positive, got %d", c.Planner.TopK))
	}
	if c.Planner.SimilarityFloor < 0 || c.Planner.SimilarityFloor > 1 {
		errs = append(errs, fmt.Errorf("planner.similarity_floor must be in [0,1], got %f", c.Planner.SimilarityFloor))
	}
	switch c.Planner.Generator {
	case "chain", "llm":
	default:
		errs = append(errs, fmt.Errorf("unknown planner generator %q", c.Planner.Generator))
	}
	if c.Planner.Generator == "llm" && c.LLM.Provider == "none" {
		errs = append(errs, errors.New("planner generator \"llm\" requires an llm provider"))
	}

	if c.Intent.Threshold < 0 || c.Intent.Threshold > 1 {
		errs = append(errs, fmt.Errorf("intent.threshold must be in [0,1], got %f", c.Intent.Threshold))
	}
	if c.Intent.ArchitectureBoost < 0 || c.Intent.ArchitectureBoost > 0.5 {
		errs = append(errs, fmt.Errorf("intent.architecture_boost must be in [0,0.5], got %f", c.Intent.ArchitectureBoost))
	}

	if c.Dispatch.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_in_flight must be positive, got %d", c.Dispatch.MaxInFlight))
	}
	if c.Policy.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("policy.rate_limit cannot be negative"))
	}

	return errors.Join(errs...)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := newConfig()
	applyDefaults(cfg)
	return cfg
}

// newConfig returns a Config carrying the boolean defaults. Booleans cannot be
// defaulted after unmarshaling because false is a legitimate setting, so they
// are seeded before the file and environment are decoded on top.
func newConfig() *Config {
	return &Config{
		Server:    ServerConfig{MCP: true},
		Telemetry: TelemetryConfig{Insecure: true},
		Secrets:   SecretsConfig{Enabled: true},
		Pipeline:  PipelineConfig{AutoDispatch: true},
		Catalog:   CatalogConfig{Watch: true},
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskrouter"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.VectorSize == 0 {
		cfg.VectorStore.Qdrant.VectorSize = 384 // bge-small-en-v1.5
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "none"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(20 * time.Second)
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 5
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 2
	}

	if cfg.Semantic.BackendTimeout == 0 {
		cfg.Semantic.BackendTimeout = Duration(3 * time.Second)
	}
	if cfg.Semantic.StageDeadline == 0 {
		cfg.Semantic.StageDeadline = Duration(5 * time.Second)
	}
	if cfg.Semantic.MaxContextChars == 0 {
		cfg.Semantic.MaxContextChars = 2000
	}

	if cfg.Intent.Threshold == 0 {
		cfg.Intent.Threshold = 0.35
	}
	if cfg.Intent.TopicWeight == 0 && cfg.Intent.ActionWeight == 0 && cfg.Intent.EntityWeight == 0 {
		cfg.Intent.TopicWeight = 0.5
		cfg.Intent.ActionWeight = 0.3
		cfg.Intent.EntityWeight = 0.2
	}
	if cfg.Intent.ArchitectureBoost == 0 {
		cfg.Intent.ArchitectureBoost = 0.1
	}
	if cfg.Intent.ArchitectureTopK == 0 {
		cfg.Intent.ArchitectureTopK = 3
	}
	if cfg.Intent.ArchitectureFloor == 0 {
		cfg.Intent.ArchitectureFloor = 0.60
	}
	if cfg.Intent.ArchitectureTimeout == 0 {
		cfg.Intent.ArchitectureTimeout = Duration(500 * time.Millisecond)
	}

	if cfg.Planner.TopK == 0 {
		cfg.Planner.TopK = 5
	}
	if cfg.Planner.SimilarityFloor == 0 {
		cfg.Planner.SimilarityFloor = 0.70
	}
	if cfg.Planner.RetrievalTimeout == 0 {
		cfg.Planner.RetrievalTimeout = Duration(2 * time.Second)
	}
	if cfg.Planner.GenerationTimeout == 0 {
		cfg.Planner.GenerationTimeout = Duration(10 * time.Second)
	}
	if cfg.Planner.Generator == "" {
		cfg.Planner.Generator = "chain"
	}

	if cfg.Policy.RateBurst == 0 {
		cfg.Policy.RateBurst = 5
	}
	if cfg.Policy.MaxNodes == 0 {
		cfg.Policy.MaxNodes = 16
	}

	if cfg.Dispatch.MaxInFlight == 0 {
		cfg.Dispatch.MaxInFlight = 4
	}
	if cfg.Dispatch.NodeTimeout == 0 {
		cfg.Dispatch.NodeTimeout = Duration(30 * time.Second)
	}

	if cfg.Memory.MaxInMemory == 0 {
		cfg.Memory.MaxInMemory = 1000
	}

	if cfg.Pipeline.RequestDeadline == 0 {
		cfg.Pipeline.RequestDeadline = Duration(60 * time.Second)
	}
}
