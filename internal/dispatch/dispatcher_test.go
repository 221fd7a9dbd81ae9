package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/goleak"
)

func node(id, capability, agent string, deps ...string) planner.Node {
	return planner.Node{ID: id, CapabilityName: capability, AgentID: agent, InputType: "text", OutputType: "text", DependsOn: deps}
}

func echoProvider() FuncProvider {
	return func(_ context.Context, capability string, in Input) (Output, error) {
		return Output{OutputType: "text", Output: fmt.Sprintf("%s(%s|%d)", capability, in.Task, len(in.Upstream))}, nil
	}
}

func TestDispatch_ChainPassesUpstream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var seen Input
	providers := NewProviders()
	providers.Register("editor", echoProvider())
	providers.Register("writer", FuncProvider(func(_ context.Context, _ string, in Input) (Output, error) {
		seen = in
		return Output{Output: "summary"}, nil
	}))

	g := planner.TaskGraph{Nodes: []planner.Node{
		node("t1", "draft", "editor"),
		node("t2", "summarize", "writer", "t1"),
	}}
	exec := New(Config{}, providers, nil, nil).Dispatch(context.Background(), g, Request{Task: "doc", Context: map[string]any{"lang": "en"}})

	require.True(t, exec.Success)
	require.Len(t, exec.Results, 2)
	assert.Equal(t, StatusSucceeded, exec.Results[0].Status)
	assert.Equal(t, "draft(doc|0)", exec.Results[0].Output)
	assert.Equal(t, "summary", exec.Results[1].Output)
	assert.Equal(t, "text", exec.Results[1].OutputType)
	assert.Equal(t, map[string]any{"t1": "draft(doc|0)"}, seen.Upstream)
	assert.Equal(t, "en", seen.Context["lang"])
	assert.Equal(t, "text", seen.InputType)
}

func TestDispatch_FailedDependencySkips(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	metrics := telemetry.NewMetrics(tel.Meter(telemetry.InstrumentationName))

	var calls atomic.Int32
	providers := NewProviders()
	providers.Register("editor", echoProvider())
	providers.Register("flaky", FuncProvider(func(context.Context, string, Input) (Output, error) {
		calls.Add(1)
		return Output{}, errors.New("boom")
	}))

	g := planner.TaskGraph{Nodes: []planner.Node{
		node("t1", "fetch", "flaky"),
		node("t2", "draft", "editor", "t1"),
		node("t3", "draft", "editor"),
		node("t4", "draft", "editor", "t2"),
	}}
	exec := New(Config{}, providers, nil, metrics).Dispatch(context.Background(), g, Request{})

	assert.False(t, exec.Success)
	assert.Equal(t, 3, exec.Failed())
	assert.Equal(t, StatusFailed, exec.Results[0].Status)
	assert.Equal(t, "boom", exec.Results[0].Error)
	assert.Equal(t, StatusSkipped, exec.Results[1].Status)
	assert.Contains(t, exec.Results[1].Error, "t1")
	assert.Equal(t, StatusSucceeded, exec.Results[2].Status)
	assert.Equal(t, StatusSkipped, exec.Results[3].Status)
	assert.Equal(t, int32(1), calls.Load(), "no retries")
	assert.Equal(t, int64(2), tel.CounterValue(t, "taskrouter.dispatch.nodes_total", attribute.String("status", "skipped")))
}

func TestDispatch_MissingProvider(t *testing.T) {
	exec := New(Config{}, NewProviders(), nil, nil).Dispatch(context.Background(),
		planner.TaskGraph{Nodes: []planner.Node{node("t1", "draft", "ghost")}}, Request{})
	assert.False(t, exec.Success)
	assert.Equal(t, StatusFailed, exec.Results[0].Status)
	assert.Contains(t, exec.Results[0].Error, "ghost")
}

func TestDispatch_BoundedInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		inFlight, peak atomic.Int32
		mu             sync.Mutex
	)
	providers := NewProviders()
	providers.Register("worker", FuncProvider(func(context.Context, string, Input) (Output, error) {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Output{Output: "ok"}, nil
	}))

	var nodes []planner.Node
	for i := range 8 {
		nodes = append(nodes, node(fmt.Sprintf("t%d", i), "work", "worker"))
	}
	exec := New(Config{MaxInFlight: 2}, providers, nil, nil).Dispatch(context.Background(), planner.TaskGraph{Nodes: nodes}, Request{})

	assert.True(t, exec.Success)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestDispatch_NodeTimeout(t *testing.T) {
	providers := NewProviders()
	providers.Register("slow", FuncProvider(func(ctx context.Context, _ string, _ Input) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}))
	exec := New(Config{NodeTimeout: 20 * time.Millisecond}, providers, nil, nil).Dispatch(context.Background(),
		planner.TaskGraph{Nodes: []planner.Node{node("t1", "wait", "slow")}}, Request{})
	assert.Equal(t, StatusFailed, exec.Results[0].Status)
	assert.Contains(t, exec.Results[0].Error, "deadline exceeded")
}

func TestDispatch_CanceledContextSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	providers := NewProviders()
	providers.Register("editor", FuncProvider(func(context.Context, string, Input) (Output, error) {
		cancel()
		return Output{Output: "first"}, nil
	}))

	g := planner.TaskGraph{Nodes: []planner.Node{
		node("t1", "draft", "editor"),
		node("t2", "draft", "editor", "t1"),
	}}
	exec := New(Config{}, providers, nil, nil).Dispatch(ctx, g, Request{})
	assert.False(t, exec.Success)
	assert.Equal(t, StatusSucceeded, exec.Results[0].Status)
	assert.Equal(t, StatusSkipped, exec.Results[1].Status)
	assert.Contains(t, exec.Results[1].Error, "not started")
}

func TestDispatch_OutputTypeMismatch(t *testing.T) {
	providers := NewProviders()
	providers.Register("editor", FuncProvider(func(context.Context, string, Input) (Output, error) {
		return Output{OutputType: "image", Output: []byte{1}}, nil
	}))
	exec := New(Config{}, providers, nil, nil).Dispatch(context.Background(),
		planner.TaskGraph{Nodes: []planner.Node{node("t1", "draft", "editor")}}, Request{})
	assert.Equal(t, StatusFailed, exec.Results[0].Status)
	assert.Contains(t, exec.Results[0].Error, "image")
}

func TestDispatch_EmptyGraph(t *testing.T) {
	exec := New(Config{}, NewProviders(), nil, nil).Dispatch(context.Background(), planner.TaskGraph{}, Request{})
	assert.True(t, exec.Success)
	assert.Empty(t, exec.Results)
}

func TestDispatch_NodeStartsWhenItsOwnDependenciesResolve(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	summarized := make(chan struct{})
	providers := NewProviders()
	providers.Register("slow", FuncProvider(func(ctx context.Context, _ string, _ Input) (Output, error) {
		select {
		case <-release:
			return Output{Output: "indexed"}, nil
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}))
	providers.Register("editor", echoProvider())
	providers.Register("writer", FuncProvider(func(context.Context, string, Input) (Output, error) {
		close(summarized)
		return Output{Output: "summary"}, nil
	}))

	// a is slow; c only needs b, so it must not wait for a.
	g := planner.TaskGraph{Nodes: []planner.Node{
		node("a", "index", "slow"),
		node("b", "draft", "editor"),
		node("c", "summarize", "writer", "b"),
	}}

	execDone := make(chan Execution, 1)
	go func() {
		execDone <- New(Config{MaxInFlight: 4}, providers, nil, nil).Dispatch(context.Background(), g, Request{})
	}()

	select {
	case <-summarized:
	case <-time.After(2 * time.Second):
		close(release)
		<-execDone
		t.Fatal("c waited on an unrelated slow node")
	}
	close(release)

	exec := <-execDone
	require.True(t, exec.Success)
	assert.Equal(t, "indexed", exec.Results[0].Output)
	assert.Equal(t, "summary", exec.Results[2].Output)
}

func TestSchedule(t *testing.T) {
	g := planner.TaskGraph{Nodes: []planner.Node{
		node("a", "x", "e"),
		node("b", "x", "e"),
		node("c", "x", "e", "a"),
		node("d", "x", "e", "a", "c"),
		node("e", "x", "e", "b"),
	}}
	s := newSchedule(g)

	ids := func(nodes []planner.Node) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, ids(s.roots()))
	assert.Equal(t, []string{"e"}, ids(s.resolve("b")))
	assert.Equal(t, []string{"c"}, ids(s.resolve("a")))
	assert.Empty(t, s.resolve("e"))
	assert.Equal(t, []string{"d"}, ids(s.resolve("c")))
	assert.Empty(t, s.resolve("d"))
}

func TestProviders(t *testing.T) {
	p := NewProviders()
	p.Register("b", echoProvider())
	p.Register("a", echoProvider())
	assert.Equal(t, []string{"a", "b"}, p.Agents())
	p.Remove("a")
	_, ok := p.Get("a")
	assert.False(t, ok)
}
