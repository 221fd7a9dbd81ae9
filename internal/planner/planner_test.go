package planner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/llm"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore/vectorstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	capPatch   = registry.Capability{Name: "generate_patch_design", AgentID: "editor", InputType: "text", OutputType: "patch", Active: true}
	capApply   = registry.Capability{Name: "apply_patch", AgentID: "editor", InputType: "patch", OutputType: "document", Active: true}
	capSummary = registry.Capability{Name: "summarize", AgentID: "writer", InputType: "document", OutputType: "text", Active: true}
	capGraph   = registry.Capability{Name: "extract_entities", AgentID: "kg", InputType: "text", OutputType: "graph", Active: true}
)

type genFunc func(ctx context.Context, req GenerateRequest) (TaskGraph, error)

func (genFunc) Name() string { return "test" }

func (f genFunc) Generate(ctx context.Context, req GenerateRequest) (TaskGraph, error) {
	return f(ctx, req)
}

func snapshot(t *testing.T, caps ...registry.Capability) *registry.Snapshot {
	t.Helper()
	s := registry.NewStore()
	snap, err := s.Replace(context.Background(), nil, caps)
	require.NoError(t, err)
	return snap
}

func hit(c registry.Capability, score float32) vectorstore.Chunk {
	ch := registry.CapabilityChunk(c)
	ch.Score = score
	return ch
}

func docEditRequest() Request {
	return Request{
		Task:   "generate a patch design for the onboarding document",
		Intent: registry.Intent{Name: "document_edit", Domain: "editing", TargetCapabilityHint: "generate_patch_design", Active: true},
		Unit: semantic.Unit{
			Topics:        []string{"document", "onboarding"},
			ActionSignals: []string{"generate", "patch", "design"},
			Modality:      semantic.ModalityInstruction,
			Certainty:     0.8,
		},
	}
}

func TestPlan_SingleRetrievedCapability(t *testing.T) {
	snap := snapshot(t, capPatch, capGraph, capSummary)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.91))
	p := New(DefaultConfig(), ns, ChainGenerator{}, nil, nil)

	res := p.Plan(context.Background(), snap, docEditRequest())
	require.Equal(t, StatusPlanned, res.Status, res.Reason)
	require.Len(t, res.Graph.Nodes, 1)
	n := res.Graph.Nodes[0]
	assert.Equal(t, "generate_patch_design", n.CapabilityName)
	assert.Equal(t, "editor", n.AgentID)
	assert.Equal(t, "text", n.InputType)
	assert.Equal(t, "patch", n.OutputType)
	assert.Empty(t, n.DependsOn)
}

func TestPlan_RejectsCapabilityOutsideAllowedSet(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	metrics := telemetry.NewMetrics(tel.Meter(telemetry.InstrumentationName))

	snap := snapshot(t, capPatch, capApply, capSummary)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.9), hit(capApply, 0.8))
	gen := genFunc(func(context.Context, GenerateRequest) (TaskGraph, error) {
		return TaskGraph{Nodes: []Node{
			{ID: "a", CapabilityName: "generate_patch_design"},
			{ID: "b", CapabilityName: "apply_patch", DependsOn: []string{"a"}},
			{ID: "c", CapabilityName: "summarize", DependsOn: []string{"b"}},
		}}, nil
	})

	res := New(DefaultConfig(), ns, gen, nil, metrics).Plan(context.Background(), snap, docEditRequest())
	assert.Equal(t, StatusHallucination, res.Status)
	assert.True(t, res.Graph.Empty())
	assert.Contains(t, res.Reason, "summarize")
	assert.Equal(t, int64(1), tel.CounterValue(t, "taskrouter.planner.hallucinations_total"))
}

func TestPlan_RejectsAgentOutsideAllowedSet(t *testing.T) {
	other := capPatch
	other.AgentID = "rogue"
	snap := snapshot(t, capPatch, other)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.9))
	gen := genFunc(func(context.Context, GenerateRequest) (TaskGraph, error) {
		return TaskGraph{Nodes: []Node{{ID: "a", CapabilityName: "generate_patch_design", AgentID: "rogue"}}}, nil
	})

	res := New(DefaultConfig(), ns, gen, nil, nil).Plan(context.Background(), snap, docEditRequest())
	assert.Equal(t, StatusHallucination, res.Status)
}

func TestPlan_EmptyRetrievalSkipsGenerator(t *testing.T) {
	var calls atomic.Int32
	gen := genFunc(func(context.Context, GenerateRequest) (TaskGraph, error) {
		calls.Add(1)
		return TaskGraph{Nodes: []Node{{ID: "a", CapabilityName: "generate_patch_design"}}}, nil
	})
	snap := snapshot(t, capPatch)

	// Hit below the floor.
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.5))
	res := New(DefaultConfig(), ns, gen, nil, nil).Plan(context.Background(), snap, docEditRequest())
	assert.Equal(t, StatusNoCapability, res.Status)
	assert.True(t, res.Graph.Empty())
	assert.Empty(t, res.Allowed)
	assert.Zero(t, calls.Load())
}

func TestPlan_DropsInactiveAndUnknownHits(t *testing.T) {
	inactive := capApply
	inactive.Active = false
	snap := snapshot(t, capPatch, inactive)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability,
		hit(capApply, 0.95),
		hit(capGraph, 0.94), // not registered
		hit(capPatch, 0.8),
	)

	res := New(DefaultConfig(), ns, ChainGenerator{}, nil, nil).Plan(context.Background(), snap, docEditRequest())
	require.Equal(t, StatusPlanned, res.Status)
	require.Len(t, res.Allowed, 1)
	assert.Equal(t, "generate_patch_design", res.Allowed[0].Name)
	assert.Len(t, res.Graph.Nodes, 1)
}

func TestPlan_SpecifiedAgentRestrictsAllowedSet(t *testing.T) {
	snap := snapshot(t, capPatch, capGraph)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capGraph, 0.95), hit(capPatch, 0.8))
	req := docEditRequest()
	req.SpecifiedAgentID = "editor"

	res := New(DefaultConfig(), ns, ChainGenerator{}, nil, nil).Plan(context.Background(), snap, req)
	require.Len(t, res.Allowed, 1)
	assert.Equal(t, "editor", res.Allowed[0].AgentID)

	req.SpecifiedAgentID = "nobody"
	res = New(DefaultConfig(), ns, ChainGenerator{}, nil, nil).Plan(context.Background(), snap, req)
	assert.Equal(t, StatusNoCapability, res.Status)
}

func TestPlan_CycleYieldsEmptyGraph(t *testing.T) {
	snap := snapshot(t, capPatch, capApply)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.9), hit(capApply, 0.85))
	gen := genFunc(func(context.Context, GenerateRequest) (TaskGraph, error) {
		return TaskGraph{Nodes: []Node{
			{ID: "T1", CapabilityName: "generate_patch_design", DependsOn: []string{"T2"}},
			{ID: "T2", CapabilityName: "apply_patch", DependsOn: []string{"T1"}},
		}}, nil
	})

	res := New(DefaultConfig(), ns, gen, nil, nil).Plan(context.Background(), snap, docEditRequest())
	assert.Equal(t, StatusInvalid, res.Status)
	assert.True(t, res.Graph.Empty())
	assert.Contains(t, res.Reason, "cycle")
}

func TestPlan_RetrievalTimeout(t *testing.T) {
	snap := snapshot(t, capPatch)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.9))
	ns.SetDelay(time.Second)
	cfg := DefaultConfig()
	cfg.RetrievalTimeout = 20 * time.Millisecond

	res := New(cfg, ns, ChainGenerator{}, nil, nil).Plan(context.Background(), snap, docEditRequest())
	assert.Equal(t, StatusRetrievalTimeout, res.Status)
	assert.True(t, res.Graph.Empty())
}

func TestPlan_GenerationTimeout(t *testing.T) {
	snap := snapshot(t, capPatch)
	ns := vectorstoretest.NewNamespace(vectorstore.Capability, hit(capPatch, 0.9))
	gen := genFunc(func(ctx context.Context, _ GenerateRequest) (TaskGraph, error) {
		<-ctx.Done()
		return TaskGraph{}, ctx.Err()
	})
	cfg := DefaultConfig()
	cfg.GenerationTimeout = 20 * time.Millisecond

	res := New(cfg, ns, gen, nil, nil).Plan(context.Background(), snap, docEditRequest())
	assert.Equal(t, StatusGenerationFailed, res.Status)
	assert.True(t, res.Graph.Empty())
}

func TestPlan_RetrievalError(t *testing.T) {
	ns := vectorstoretest.NewNamespace(vectorstore.Capability)
	ns.SetError(errors.New("connection refused"))
	res := New(DefaultConfig(), ns, nil, nil, nil).Plan(context.Background(), snapshot(t, capPatch), docEditRequest())
	assert.Equal(t, StatusNoCapability, res.Status)
}

func TestChainGenerator(t *testing.T) {
	allowed := []Allowed{
		{Capability: capPatch, Score: 0.9},
		{Capability: capSummary, Score: 0.85},
		{Capability: capApply, Score: 0.8},
	}
	g, err := ChainGenerator{}.Generate(context.Background(), GenerateRequest{Allowed: allowed})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, []string{"generate_patch_design", "apply_patch", "summarize"}, g.CapabilityNames())
	assert.Equal(t, []string{"t1"}, g.Nodes[1].DependsOn)
	assert.Equal(t, []string{"t2"}, g.Nodes[2].DependsOn)

	g, err = ChainGenerator{}.Generate(context.Background(), GenerateRequest{})
	require.NoError(t, err)
	assert.True(t, g.Empty())
}

func TestLLMGenerator(t *testing.T) {
	req := GenerateRequest{Task: "patch it", Intent: registry.Intent{Name: "document_edit", Domain: "editing"},
		Allowed: []Allowed{{Capability: capPatch, Score: 0.9}}}

	var prompt string
	model := llm.Func(func(_ context.Context, p string, _ llm.Constraints) (llm.Response, error) {
		prompt = p
		return llm.Response{Text: "Here is the plan:\n```json\n{\"nodes\": [{\"id\": \"t1\", \"capability_name\": \"generate_patch_design\"}]}\n```"}, nil
	})
	g, err := NewLLMGenerator(model).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"generate_patch_design"}, g.CapabilityNames())
	assert.Contains(t, prompt, "- generate_patch_design (agent editor, text -> patch)")

	g, err = NewLLMGenerator(llm.Static(`[{"id": "x", "capability_name": "apply_patch"}]`)).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "x", g.Nodes[0].ID)

	_, err = NewLLMGenerator(llm.Static("I cannot plan this.")).Generate(context.Background(), req)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	snap := snapshot(t, capPatch, capApply, capSummary, capGraph)

	tests := []struct {
		name    string
		graph   TaskGraph
		wantErr error
	}{
		{"chain", TaskGraph{Nodes: []Node{
			{ID: "b", CapabilityName: "apply_patch", DependsOn: []string{"a"}},
			{ID: "a", CapabilityName: "generate_patch_design"},
		}}, nil},
		{"unknown capability", TaskGraph{Nodes: []Node{{ID: "a", CapabilityName: "delete_all"}}}, ErrUnknownCapability},
		{"duplicate id", TaskGraph{Nodes: []Node{
			{ID: "a", CapabilityName: "apply_patch"},
			{ID: "a", CapabilityName: "summarize"},
		}}, ErrDuplicateNode},
		{"missing id", TaskGraph{Nodes: []Node{{CapabilityName: "apply_patch"}}}, ErrInvalidNode},
		{"unknown dependency", TaskGraph{Nodes: []Node{{ID: "a", CapabilityName: "apply_patch", DependsOn: []string{"z"}}}}, ErrUnknownDependency},
		{"self cycle", TaskGraph{Nodes: []Node{{ID: "a", CapabilityName: "apply_patch", DependsOn: []string{"a"}}}}, ErrCycle},
		{"type mismatch", TaskGraph{Nodes: []Node{
			{ID: "a", CapabilityName: "extract_entities"},
			{ID: "b", CapabilityName: "apply_patch", DependsOn: []string{"a"}},
		}}, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAgainstRegistry(snap, tt.graph)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, got.Empty())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a", got.Nodes[0].ID)
			assert.Equal(t, "editor", got.Nodes[1].AgentID)
		})
	}
}

func TestValidate_AnyTypeConnectsEverything(t *testing.T) {
	anyCap := registry.Capability{Name: "inspect", AgentID: "ops", Active: true}
	snap := snapshot(t, anyCap, capGraph)
	_, err := ValidateAgainstRegistry(snap, TaskGraph{Nodes: []Node{
		{ID: "a", CapabilityName: "extract_entities"},
		{ID: "b", CapabilityName: "inspect", DependsOn: []string{"a"}},
	}})
	assert.NoError(t, err)
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	snap := snapshot(t, capPatch)
	in := TaskGraph{Nodes: []Node{{ID: "a", CapabilityName: "generate_patch_design"}}}
	_, err := ValidateAgainstRegistry(snap, in)
	require.NoError(t, err)
	assert.Empty(t, in.Nodes[0].AgentID)
}
