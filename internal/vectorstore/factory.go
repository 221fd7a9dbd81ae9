package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/taskrouter/internal/config"
	"go.uber.org/zap"
)

// NewStore creates the configured backend:
//   - "chromem" (default): embedded, in memory unless a path is set
//   - "qdrant": external Qdrant server over gRPC
func NewStore(ctx context.Context, cfg config.VectorStoreConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, embedder, logger)
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			VectorSize: cfg.Qdrant.VectorSize,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}

// Namespaces is the set of namespaces the pipeline reads.
type Namespaces struct {
	Architecture Namespace
	Capability   Namespace
	Policy       Namespace
	Memory       Namespace
}

// OpenNamespaces opens every pipeline namespace on store.
func OpenNamespaces(ctx context.Context, store Store) (*Namespaces, error) {
	open := func(name string) (Namespace, error) {
		ns, err := store.Namespace(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening %s namespace: %w", name, err)
		}
		return ns, nil
	}

	var (
		n   Namespaces
		err error
	)
	if n.Architecture, err = open(Architecture); err != nil {
		return nil, err
	}
	if n.Capability, err = open(Capability); err != nil {
		return nil, err
	}
	if n.Policy, err = open(Policy); err != nil {
		return nil, err
	}
	if n.Memory, err = open(RoutingMemory); err != nil {
		return nil, err
	}
	return &n, nil
}
