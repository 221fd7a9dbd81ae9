package catalog

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Applier publishes catalogs into the running engine. Entries that vanish
// from one catalog to the next are removed from the namespaces and provider
// table; registry entries are kept but deactivated.
type Applier struct {
	Registry     *registry.Store
	Architecture vectorstore.Namespace
	Policy       vectorstore.Namespace
	Book         *policy.Book
	Providers    *dispatch.Providers
	NATS         *nats.Conn
	Logger       *zap.Logger

	mu       sync.Mutex
	notes    []string
	policies []string
	agents   []string
}

// Apply validates c and publishes it. The registry is replaced first; a
// namespace indexing failure after that is returned but the new registry
// version stays published.
func (a *Applier) Apply(ctx context.Context, c *Catalog) (*registry.Snapshot, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	providers, agents, err := a.buildProviders(c)
	if err != nil {
		return nil, err
	}

	snap, err := a.Registry.Replace(ctx, c.Intents, c.Capabilities)
	if err != nil {
		for _, p := range providers {
			closeProvider(p)
		}
		return nil, fmt.Errorf("publishing registry: %w", err)
	}

	if a.Book != nil {
		if err := a.Book.Replace(c.Policies, c.Callers); err != nil {
			return snap, fmt.Errorf("publishing policy book: %w", err)
		}
	}

	if a.Providers != nil {
		for _, id := range a.agents {
			if !slices.Contains(agents, id) {
				a.removeProvider(id)
			}
		}
		for _, id := range agents {
			a.removeProvider(id)
			a.Providers.Register(id, providers[id])
		}
		a.agents = agents
	}

	noteChunks := make([]vectorstore.Chunk, 0, len(c.Architecture))
	noteIDs := make([]string, 0, len(c.Architecture))
	for _, n := range c.Architecture {
		chunk := NoteChunk(n)
		noteChunks = append(noteChunks, chunk)
		noteIDs = append(noteIDs, chunk.ID)
	}
	if a.notes, err = syncChunks(ctx, a.Architecture, a.notes, noteIDs, noteChunks); err != nil {
		return snap, fmt.Errorf("indexing architecture notes: %w", err)
	}

	policyChunks := make([]vectorstore.Chunk, 0, len(c.Policies))
	policyIDs := make([]string, 0, len(c.Policies))
	for _, e := range c.Policies {
		chunk := policy.EntryChunk(e)
		policyChunks = append(policyChunks, chunk)
		policyIDs = append(policyIDs, chunk.ID)
	}
	if a.policies, err = syncChunks(ctx, a.Policy, a.policies, policyIDs, policyChunks); err != nil {
		return snap, fmt.Errorf("indexing policies: %w", err)
	}

	logger.Info("catalog applied",
		zap.String("catalog_version", c.Version),
		zap.Uint64("registry_version", snap.Version()),
		zap.Int("intents", len(c.Intents)),
		zap.Int("capabilities", len(c.Capabilities)),
		zap.Int("agents", len(agents)),
		zap.Int("notes", len(noteIDs)),
		zap.Int("policies", len(policyIDs)),
		zap.Int("callers", len(c.Callers)))
	return snap, nil
}

func (a *Applier) buildProviders(c *Catalog) (map[string]dispatch.Provider, []string, error) {
	if a.Providers == nil {
		return nil, nil, nil
	}
	out := make(map[string]dispatch.Provider, len(c.Agents))
	ids := make([]string, 0, len(c.Agents))
	for _, spec := range c.Agents {
		p, err := dispatch.Build(spec, a.NATS)
		if err != nil {
			for _, built := range out {
				closeProvider(built)
			}
			return nil, nil, fmt.Errorf("building provider: %w", err)
		}
		out[spec.AgentID] = p
		ids = append(ids, spec.AgentID)
	}
	return out, ids, nil
}

func (a *Applier) removeProvider(agentID string) {
	if p, ok := a.Providers.Get(agentID); ok {
		closeProvider(p)
	}
	a.Providers.Remove(agentID)
}

func closeProvider(p dispatch.Provider) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

// syncChunks deletes the chunks in prev that are not in next, then indexes
// chunks. It returns the ids now present.
func syncChunks(ctx context.Context, ns vectorstore.Namespace, prev, next []string, chunks []vectorstore.Chunk) ([]string, error) {
	if ns == nil {
		return next, nil
	}
	var stale []string
	for _, id := range prev {
		if !slices.Contains(next, id) {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := ns.Delete(ctx, stale); err != nil {
			return prev, err
		}
	}
	if len(chunks) > 0 {
		if err := ns.Index(ctx, chunks); err != nil {
			return prev, err
		}
	}
	return next, nil
}

// NoteChunk renders an architecture note as its namespace chunk.
func NoteChunk(n Note) vectorstore.Chunk {
	meta := map[string]any{"note_id": n.ID}
	if len(n.Intents) > 0 {
		meta["intents"] = n.Intents
	}
	return vectorstore.Chunk{
		ID:        "note/" + n.ID,
		Namespace: vectorstore.Architecture,
		Content:   n.Content,
		Metadata:  meta,
	}
}
