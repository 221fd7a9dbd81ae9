// Package vectorstore holds the retrieval namespaces: independent,
// similarity-searchable collections of chunks, one per concern.
//
// The engine uses three namespaces (architecture, capability, policy) plus
// an optional one for routing-memory records. Each is a separate collection
// in the configured backend (embedded chromem-go or Qdrant over gRPC).
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Namespace names.
const (
	Architecture  = "architecture"
	Capability    = "capability"
	Policy        = "policy"
	RoutingMemory = "routing_memory"
)

var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrEmptyChunks           = errors.New("empty or nil chunks")
	ErrEmptyQuery            = errors.New("query cannot be empty")
	ErrConnectionFailed      = errors.New("failed to connect to vector store")
	ErrEmbeddingFailed       = errors.New("failed to generate embeddings")
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunk is one indexed document. Chunks are immutable once indexed;
// re-indexing an ID replaces the whole chunk.
type Chunk struct {
	ID        string         `json:"chunk_id"`
	Namespace string         `json:"namespace"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`

	// Score is the query similarity, set on query results only.
	Score float32 `json:"score,omitempty"`
}

// String returns the metadata value for key when it is a string.
func (c Chunk) String(key string) string {
	s, _ := c.Metadata[key].(string)
	return s
}

// Namespace is a single retrieval collection.
type Namespace interface {
	Name() string

	// Query returns at most topK chunks whose similarity is at least floor,
	// best first. An empty namespace yields no chunks and no error.
	Query(ctx context.Context, text string, topK int, floor float32) ([]Chunk, error)

	// Index embeds (when Embedding is nil) and upserts chunks.
	Index(ctx context.Context, chunks []Chunk) error

	Delete(ctx context.Context, ids []string) error

	Count(ctx context.Context) (int, error)
}

// Store opens namespaces on one backend.
type Store interface {
	Namespace(ctx context.Context, name string) (Namespace, error)
	Health(ctx context.Context) error
	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName enforces ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

func collectionName(prefix, namespace string) string {
	if prefix == "" {
		return namespace
	}
	return prefix + "_" + namespace
}

func validateQuery(text string, topK int) error {
	if text == "" {
		return ErrEmptyQuery
	}
	if topK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", topK)
	}
	return nil
}
