package vectorstore_test

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/taskrouter/internal/config"
	"github.com/fyrsmithlabs/taskrouter/internal/embeddings"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, embeddings.NewHashProvider(256), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestChromemNamespace_QueryRespectsFloorAndTopK(t *testing.T) {
	ctx := context.Background()
	ns, err := newTestStore(t).Namespace(ctx, vectorstore.Capability)
	require.NoError(t, err)
	assert.Equal(t, vectorstore.Capability, ns.Name())

	require.NoError(t, ns.Index(ctx, []vectorstore.Chunk{
		{ID: "editor/generate_patch_design", Content: "generate patch design for a document", Metadata: map[string]any{
			"capability_name": "generate_patch_design",
			"agent_id":        "editor",
			"active":          true,
			"constraints":     map[string]any{"max_tokens": 2000},
		}},
		{ID: "kg/extract_entities", Content: "extract entities into a knowledge graph"},
		{ID: "sales/forecast", Content: "forecast revenue with a regression model"},
	}))

	count, err := ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	chunks, err := ns.Query(ctx, "generate patch design for a document", 5, 0.9)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "editor/generate_patch_design", chunks[0].ID)
	assert.Equal(t, vectorstore.Capability, chunks[0].Namespace)
	assert.InDelta(t, 1.0, chunks[0].Score, 1e-4)
	assert.Equal(t, "generate_patch_design", chunks[0].String("capability_name"))
	assert.Equal(t, true, chunks[0].Metadata["active"])
	assert.Equal(t, map[string]any{"max_tokens": float64(2000)}, chunks[0].Metadata["constraints"])

	// topK larger than the collection is capped, floor 0 keeps non-negative scores.
	all, err := ns.Query(ctx, "generate patch design for a document", 10, -1)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.GreaterOrEqual(t, all[0].Score, all[1].Score)

	top1, err := ns.Query(ctx, "generate patch design for a document", 1, -1)
	require.NoError(t, err)
	assert.Len(t, top1, 1)
}

func TestChromemNamespace_EmptyAndInvalid(t *testing.T) {
	ctx := context.Background()
	ns, err := newTestStore(t).Namespace(ctx, vectorstore.Policy)
	require.NoError(t, err)

	chunks, err := ns.Query(ctx, "anything", 5, 0.5)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = ns.Query(ctx, "", 5, 0.5)
	assert.ErrorIs(t, err, vectorstore.ErrEmptyQuery)

	_, err = ns.Query(ctx, "x", 0, 0.5)
	assert.Error(t, err)

	assert.ErrorIs(t, ns.Index(ctx, nil), vectorstore.ErrEmptyChunks)
}

func TestChromemNamespace_Delete(t *testing.T) {
	ctx := context.Background()
	ns, err := newTestStore(t).Namespace(ctx, vectorstore.Architecture)
	require.NoError(t, err)

	require.NoError(t, ns.Index(ctx, []vectorstore.Chunk{
		{ID: "a", Content: "editor agent owns document changes"},
		{ID: "b", Content: "knowledge graph agent owns entity extraction"},
	}))
	require.NoError(t, ns.Delete(ctx, []string{"a"}))

	count, err := ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChromemStore_NamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	nss, err := vectorstore.OpenNamespaces(ctx, store)
	require.NoError(t, err)

	require.NoError(t, nss.Capability.Index(ctx, []vectorstore.Chunk{{ID: "c1", Content: "delete all records"}}))

	policy, err := nss.Policy.Query(ctx, "delete all records", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, policy)

	again, err := store.Namespace(ctx, vectorstore.Capability)
	require.NoError(t, err)
	n, err := again.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChromemStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	embedder := embeddings.NewHashProvider(64)

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, embedder, nil)
	require.NoError(t, err)
	ns, err := store.Namespace(ctx, vectorstore.Policy)
	require.NoError(t, err)
	require.NoError(t, ns.Index(ctx, []vectorstore.Chunk{{ID: "p1", Content: "forbid delete_all"}}))

	reopened, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, embedder, nil)
	require.NoError(t, err)
	ns2, err := reopened.Namespace(ctx, vectorstore.Policy)
	require.NoError(t, err)
	n, err := ns2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewStore(t *testing.T) {
	store, err := vectorstore.NewStore(context.Background(), config.VectorStoreConfig{Provider: "chromem"}, embeddings.NewHashProvider(32), nil)
	require.NoError(t, err)
	assert.NoError(t, store.Health(context.Background()))
	assert.NoError(t, store.Close())

	_, err = vectorstore.NewStore(context.Background(), config.VectorStoreConfig{Provider: "faiss"}, embeddings.NewHashProvider(32), nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)

	_, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil, nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
}
