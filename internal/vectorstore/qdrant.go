package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("taskrouter.vectorstore.qdrant")

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string
	Port   int // gRPC port, 6334 by default
	UseTLS bool
	APIKey string

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64
	Prefix     string

	MaxRetries              int
	RetryBackoff            time.Duration
	MaxMessageSize          int
	CircuitBreakerThreshold int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "taskrouter"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on Qdrant's native gRPC client. Each
// namespace is a collection with cosine distance.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger

	mu         sync.Mutex
	namespaces map[string]*qdrantNamespace

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantStore connects and health-checks the server.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{
		client:     client,
		embedder:   embedder,
		config:     cfg,
		logger:     logger,
		namespaces: make(map[string]*qdrantNamespace),
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Health(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Health checks the server.
func (s *QdrantStore) Health(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Namespace returns the named namespace, creating the collection if needed.
func (s *QdrantStore) Namespace(ctx context.Context, name string) (Namespace, error) {
	coll := collectionName(s.config.Prefix, name)
	if err := ValidateCollectionName(coll); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.namespaces[name]; ok {
		return ns, nil
	}

	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("checking collection %s: %w", coll, err)
	}
	if !exists {
		err := s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: coll,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return nil, fmt.Errorf("creating collection %s: %w", coll, err)
		}
		s.logger.Info("created qdrant collection", zap.String("collection", coll))
	}

	ns := &qdrantNamespace{name: name, collection: coll, store: s}
	s.namespaces[name] = ns
	return ns, nil
}

// retry runs op with exponential backoff on transient errors behind a
// simple circuit breaker.
func (s *QdrantStore) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		if s.circuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", name)
		}
		err := op()
		if err == nil {
			s.resetBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}
		s.recordFailure()
		if attempt >= s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) recordFailure() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures++
	s.breaker.lastFail = time.Now()
}

func (s *QdrantStore) resetBreaker() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures = 0
}

func (s *QdrantStore) circuitOpen() bool {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if s.breaker.failures < s.config.CircuitBreakerThreshold {
		return false
	}
	if time.Since(s.breaker.lastFail) > 30*time.Second {
		s.breaker.failures = 0
		return false
	}
	return true
}

type qdrantNamespace struct {
	name       string
	collection string
	store      *QdrantStore
}

func (n *qdrantNamespace) Name() string { return n.name }

func (n *qdrantNamespace) Query(ctx context.Context, text string, topK int, floor float32) ([]Chunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "Namespace.Query")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", n.name), attribute.Int("top_k", topK))

	start := time.Now()
	chunks, err := n.query(ctx, text, topK, floor)
	recordQuery("qdrant", n.name, time.Since(start), len(chunks), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return chunks, nil
}

func (n *qdrantNamespace) query(ctx context.Context, text string, topK int, floor float32) ([]Chunk, error) {
	if err := validateQuery(text, topK); err != nil {
		return nil, err
	}
	vector, err := n.store.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var points []*qdrant.ScoredPoint
	err = n.store.retry(ctx, "query", func() error {
		res, err := n.store.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: n.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			ScoreThreshold: qdrant.PtrOf(floor),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		points = res
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("querying namespace %s: %w", n.name, err)
	}

	chunks := make([]Chunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, chunkFromPayload(n.name, p.Payload, p.Score))
	}
	return filterByFloor(chunks, topK, floor), nil
}

func (n *qdrantNamespace) Index(ctx context.Context, chunks []Chunk) error {
	ctx, span := qdrantTracer.Start(ctx, "Namespace.Index")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", n.name), attribute.Int("chunks", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}
	if err := fillEmbeddings(ctx, n.store.embedder, chunks); err != nil {
		span.RecordError(err)
		return err
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk %d: id is required", i)
		}
		payload, err := payloadFromChunk(c)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(c.ID)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: payload,
		}
	}

	err := n.store.retry(ctx, "upsert", func() error {
		_, err := n.store.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: n.collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing into %s: %w", n.name, err)
	}
	indexedChunks.WithLabelValues("qdrant", n.name).Add(float64(len(points)))
	return nil
}

func (n *qdrantNamespace) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(pointID(id))
	}
	return n.store.retry(ctx, "delete", func() error {
		_, err := n.store.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: n.collection,
			Points:         qdrant.NewPointsSelector(pointIDs...),
		})
		return err
	})
}

func (n *qdrantNamespace) Count(ctx context.Context) (int, error) {
	count, err := n.store.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: n.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", n.name, err)
	}
	return int(count), nil
}

// pointID maps a chunk ID onto a stable UUID; Qdrant accepts only UUIDs
// and integers. The original ID travels in the payload.
func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func payloadFromChunk(c Chunk) (map[string]*qdrant.Value, error) {
	flat, err := flattenMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]*qdrant.Value, len(flat)+2)
	for k, v := range flat {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	payload["chunk_id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: c.ID}}
	payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: c.Content}}
	return payload, nil
}

func chunkFromPayload(namespace string, payload map[string]*qdrant.Value, score float32) Chunk {
	flat := make(map[string]string, len(payload))
	chunk := Chunk{Namespace: namespace, Score: score}
	for k, v := range payload {
		s, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case "chunk_id":
			chunk.ID = s.StringValue
		case "content":
			chunk.Content = s.StringValue
		default:
			flat[k] = s.StringValue
		}
	}
	chunk.Metadata = restoreMetadata(flat)
	return chunk
}

var _ Store = (*QdrantStore)(nil)
