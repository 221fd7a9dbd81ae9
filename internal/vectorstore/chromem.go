package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("taskrouter.vectorstore.chromem")

// ChromemConfig configures the embedded chromem-go database.
type ChromemConfig struct {
	// Path persists collections as gob files. Empty keeps them in memory.
	Path     string
	Compress bool

	// Prefix is prepended to every collection name (default "taskrouter").
	Prefix string
}

// ChromemStore implements Store on chromem-go.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger

	mu         sync.Mutex
	namespaces map[string]*chromemNamespace
}

// NewChromemStore opens (or creates) the database.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "taskrouter"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
	)

	return &ChromemStore{
		db:         db,
		embedder:   embedder,
		config:     cfg,
		logger:     logger,
		namespaces: make(map[string]*chromemNamespace),
	}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Namespace returns the named namespace, creating its collection on first use.
func (s *ChromemStore) Namespace(_ context.Context, name string) (Namespace, error) {
	coll := collectionName(s.config.Prefix, name)
	if err := ValidateCollectionName(coll); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.namespaces[name]; ok {
		return ns, nil
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
	collection, err := s.db.GetOrCreateCollection(coll, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", coll, err)
	}

	ns := &chromemNamespace{name: name, collection: collection, embedder: s.embedder, logger: s.logger}
	s.namespaces[name] = ns
	return ns, nil
}

// Health always succeeds for the embedded store.
func (s *ChromemStore) Health(context.Context) error { return nil }

// Close is a no-op; persistent collections are written on every change.
func (s *ChromemStore) Close() error { return nil }

type chromemNamespace struct {
	name       string
	collection *chromem.Collection
	embedder   Embedder
	logger     *zap.Logger
}

func (n *chromemNamespace) Name() string { return n.name }

func (n *chromemNamespace) Query(ctx context.Context, text string, topK int, floor float32) ([]Chunk, error) {
	ctx, span := chromemTracer.Start(ctx, "Namespace.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", n.name),
		attribute.Int("top_k", topK),
		attribute.Float64("floor", float64(floor)),
	)

	start := time.Now()
	chunks, err := n.query(ctx, text, topK, floor)
	recordQuery("chromem", n.name, time.Since(start), len(chunks), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(chunks)))
	return chunks, nil
}

func (n *chromemNamespace) query(ctx context.Context, text string, topK int, floor float32) ([]Chunk, error) {
	if err := validateQuery(text, topK); err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	count := n.collection.Count()
	if count == 0 {
		return nil, nil
	}
	k := topK
	if k > count {
		k = count
	}

	results, err := n.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying namespace %s: %w", n.name, err)
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, Chunk{
			ID:        r.ID,
			Namespace: n.name,
			Content:   r.Content,
			Metadata:  restoreMetadata(r.Metadata),
			Score:     r.Similarity,
		})
	}
	return filterByFloor(chunks, topK, floor), nil
}

func (n *chromemNamespace) Index(ctx context.Context, chunks []Chunk) error {
	ctx, span := chromemTracer.Start(ctx, "Namespace.Index")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", n.name), attribute.Int("chunks", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}
	if err := fillEmbeddings(ctx, n.embedder, chunks); err != nil {
		span.RecordError(err)
		return err
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk %d: id is required", i)
		}
		meta, err := flattenMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		docs[i] = chromem.Document{ID: c.ID, Content: c.Content, Metadata: meta, Embedding: c.Embedding}
	}

	// Embeddings are precomputed, so a single worker is enough.
	if err := n.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing into %s: %w", n.name, err)
	}
	indexedChunks.WithLabelValues("chromem", n.name).Add(float64(len(docs)))

	n.logger.Debug("indexed chunks", zap.String("namespace", n.name), zap.Int("count", len(docs)))
	return nil
}

func (n *chromemNamespace) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := n.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from %s: %w", n.name, err)
	}
	return nil
}

func (n *chromemNamespace) Count(context.Context) (int, error) {
	return n.collection.Count(), nil
}

// fillEmbeddings embeds every chunk that has no embedding yet, in one batch.
func fillEmbeddings(ctx context.Context, embedder Embedder, chunks []Chunk) error {
	var texts []string
	var idx []int
	for i := range chunks {
		if chunks[i].Embedding == nil {
			texts = append(texts, chunks[i].Content)
			idx = append(idx, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for j, i := range idx {
		chunks[i].Embedding = vectors[j]
	}
	return nil
}

var _ Store = (*ChromemStore)(nil)
