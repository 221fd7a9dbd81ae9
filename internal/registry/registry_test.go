package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/taskrouter/internal/embeddings"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"snake case", "generate_patch_design", false},
		{"hyphen", "editor-agent", false},
		{"dotted", "kg.v2", false},
		{"empty", "", true},
		{"leading hyphen", "-x", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func editorCapability() Capability {
	return Capability{
		Name:       "generate_patch_design",
		AgentID:    "editor",
		InputType:  "document",
		OutputType: "patch_design",
		Active:     true,
	}
}

func TestStore_VersionsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	assert.Equal(t, uint64(0), s.Version())

	before := s.Snapshot()
	snap, err := s.UpsertIntent(ctx, Intent{Name: "document_edit", Domain: "editing", Active: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version())

	// A bound snapshot never changes.
	assert.Empty(t, before.ActiveIntents())

	intent, ok := snap.Intent("document_edit")
	require.True(t, ok)
	assert.Equal(t, DepthBasic, intent.Depth)
	assert.Equal(t, 1, intent.Version)

	_, err = s.UpsertCapability(ctx, editorCapability())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version())

	intents, caps := s.ListActive()
	assert.Len(t, intents, 1)
	require.Len(t, caps, 1)
	assert.Equal(t, "editor/generate_patch_design", caps[0].Key())
}

func TestStore_SignatureGuard(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.UpsertCapability(ctx, editorCapability())
	require.NoError(t, err)

	changed := editorCapability()
	changed.OutputType = "document"
	_, err = s.UpsertCapability(ctx, changed)
	assert.ErrorIs(t, err, ErrSignatureConflict)

	// Deactivation keeps the identity reserved.
	_, err = s.DeactivateCapability(ctx, "editor", "generate_patch_design")
	require.NoError(t, err)
	_, err = s.UpsertCapability(ctx, changed)
	assert.ErrorIs(t, err, ErrSignatureConflict)

	// Same signature under another agent is a different identity.
	changed.AgentID = "other"
	_, err = s.UpsertCapability(ctx, changed)
	assert.NoError(t, err)
}

func TestStore_IntentLimit(t *testing.T) {
	ctx := context.Background()
	s := NewStore(WithMaxActiveIntents(2))
	for i := 0; i < 2; i++ {
		_, err := s.UpsertIntent(ctx, Intent{Name: fmt.Sprintf("intent_%d", i), Domain: "d", Active: true})
		require.NoError(t, err)
	}
	_, err := s.UpsertIntent(ctx, Intent{Name: "intent_2", Domain: "d", Active: true})
	assert.ErrorIs(t, err, ErrTooManyIntents)
	assert.Equal(t, uint64(2), s.Version())

	// Inactive intents do not count.
	_, err = s.UpsertIntent(ctx, Intent{Name: "intent_2", Domain: "d", Active: false})
	assert.NoError(t, err)
}

func TestStore_RejectsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.UpsertIntent(ctx, Intent{Name: FallbackIntentName, Domain: "x"})
	assert.ErrorIs(t, err, ErrFallbackIntentFixed)
	_, err = s.UpsertIntent(ctx, Intent{Name: "x", Domain: "d", Depth: "Deep"})
	assert.ErrorIs(t, err, ErrInvalidDepth)
	_, err = s.UpsertIntent(ctx, Intent{Name: "x"})
	assert.Error(t, err)
	_, err = s.UpsertCapability(ctx, Capability{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = s.DeactivateIntent(ctx, "missing")
	assert.ErrorIs(t, err, ErrIntentNotFound)
	_, err = s.DeactivateCapability(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}

func TestStore_Replace(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := s.Replace(ctx,
		[]Intent{{Name: "a", Domain: "d", Active: true}, {Name: "b", Domain: "d", Active: true}},
		[]Capability{editorCapability()},
	)
	require.NoError(t, err)

	snap, err := s.Replace(ctx, []Intent{{Name: "a", Domain: "d", Active: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version())
	assert.Len(t, snap.ActiveIntents(), 1)
	assert.Empty(t, snap.ActiveCapabilities())

	c, ok := snap.Capability("editor", "generate_patch_design")
	require.True(t, ok)
	assert.False(t, c.Active)

	_, err = s.Replace(ctx, []Intent{{Name: "a", Domain: "d"}, {Name: "a", Domain: "d"}}, nil)
	assert.Error(t, err)
	assert.Equal(t, uint64(2), s.Version())
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = s.Replace(ctx, []Intent{{Name: "a", Domain: "d", Active: true, Version: i + 1}}, nil)
		}
	}()
	for i := 0; i < 200; i++ {
		snap := s.Snapshot()
		if snap.Version() > 0 {
			intent, ok := snap.Intent("a")
			require.True(t, ok)
			assert.Equal(t, int(snap.Version()), intent.Version)
		}
	}
	wg.Wait()
}

type recordingMirror struct {
	calls []uint64
}

func (m *recordingMirror) Sync(_ context.Context, _, next *Snapshot) error {
	m.calls = append(m.calls, next.Version())
	return fmt.Errorf("mirror unavailable")
}

func TestStore_MirrorFailureDoesNotBlockPublish(t *testing.T) {
	m := &recordingMirror{}
	s := NewStore(WithMirror(m))
	_, err := s.UpsertCapability(context.Background(), editorCapability())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, m.calls)
}

func TestNamespaceMirror(t *testing.T) {
	ctx := context.Background()
	vs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, embeddings.NewHashProvider(128), nil)
	require.NoError(t, err)
	ns, err := vs.Namespace(ctx, vectorstore.Capability)
	require.NoError(t, err)

	s := NewStore(WithMirror(NewNamespaceMirror(ns)))
	kg := Capability{Name: "extract_entities", AgentID: "kg", InputType: "document", OutputType: "entities", Active: true}
	_, err = s.Replace(ctx, nil, []Capability{editorCapability(), kg})
	require.NoError(t, err)

	n, err := ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := ns.Query(ctx, CapabilityChunk(editorCapability()).Content, 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "generate_patch_design", hits[0].String("capability_name"))
	assert.Equal(t, "editor", hits[0].String("agent_id"))

	_, err = s.DeactivateCapability(ctx, "kg", "extract_entities")
	require.NoError(t, err)
	n, err = ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTypesCompatible(t *testing.T) {
	assert.True(t, TypesCompatible("document", "document"))
	assert.True(t, TypesCompatible("any", "document"))
	assert.True(t, TypesCompatible("document", "any"))
	assert.False(t, TypesCompatible("document", "patch"))
}
