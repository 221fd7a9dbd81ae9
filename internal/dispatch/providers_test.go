package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/capabilities/broken" {
			http.Error(w, "agent crashed", http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "/capabilities/generate_patch_design", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in Input
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(Output{OutputType: "patch", Output: "diff for " + in.Task})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", time.Second)
	out, err := p.Invoke(context.Background(), "generate_patch_design", Input{InputType: "text", Task: "onboarding doc"})
	require.NoError(t, err)
	assert.Equal(t, Output{OutputType: "patch", Output: "diff for onboarding doc"}, out)

	_, err = p.Invoke(context.Background(), "broken", Input{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "agent crashed")
}

func TestNATSProvider(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.Subscribe("agents.editor.*", func(m *nats.Msg) {
		var req NATSRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return
		}
		reply := NATSReply{Output: Output{OutputType: "patch", Output: req.Capability + ":" + req.Input.Task}}
		if req.Capability == "explode" {
			reply = NATSReply{Error: "cannot explode"}
		}
		data, _ := json.Marshal(reply)
		_ = m.Respond(data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	p := NewNATSProvider(nc, "agents.editor")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := p.Invoke(ctx, "generate_patch_design", Input{Task: "doc"})
	require.NoError(t, err)
	assert.Equal(t, Output{OutputType: "patch", Output: "generate_patch_design:doc"}, out)

	_, err = p.Invoke(ctx, "explode", Input{})
	assert.EqualError(t, err, "cannot explode")

	_, err = NewNATSProvider(nc, "agents.nobody").Invoke(ctx, "anything", Input{})
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

type patchResult struct {
	Patch string `json:"patch"`
}

func TestMCPProvider(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "editor-agent", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "generate_patch_design", Description: "Design a patch"},
		func(_ context.Context, _ *mcp.CallToolRequest, in Input) (*mcp.CallToolResult, patchResult, error) {
			return nil, patchResult{Patch: "patch for " + in.Task}, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "delete_all", Description: "Always fails"},
		func(context.Context, *mcp.CallToolRequest, Input) (*mcp.CallToolResult, patchResult, error) {
			return nil, patchResult{}, errors.New("refusing to delete")
		})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "taskrouter-test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	p := NewMCPProvider(session)
	out, err := p.Invoke(ctx, "generate_patch_design", Input{InputType: "text", Task: "onboarding"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"patch": "patch for onboarding"}, out.Output)

	_, err = p.Invoke(ctx, "delete_all", Input{InputType: "text", Task: "x"})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Message, "refusing to delete")
}

func TestEnvelope(t *testing.T) {
	assert.Equal(t, Output{OutputType: "patch", Output: "x"}, envelope(map[string]any{"output_type": "patch", "output": "x"}))
	assert.Equal(t, Output{Output: map[string]any{"patch": "x"}}, envelope(map[string]any{"patch": "x"}))
	assert.Equal(t, Output{Output: "plain"}, envelope("plain"))
}

func TestBuild(t *testing.T) {
	p, err := Build(Spec{AgentID: "editor", Transport: "http", URL: "http://editor:8080"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPProvider{}, p)

	p, err = Build(Spec{AgentID: "kg", Transport: "mcp", URL: "http://kg:9000/mcp"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MCPEndpoint{}, p)

	_, err = Build(Spec{AgentID: "kg", Transport: "nats"}, nil)
	assert.Error(t, err)

	_, err = Build(Spec{AgentID: "kg", Transport: "grpc"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	_, err = Build(Spec{AgentID: "kg", Transport: "http"}, nil)
	assert.Error(t, err)
}
