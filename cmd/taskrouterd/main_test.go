package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrouter/internal/config"
	httpserver "github.com/fyrsmithlabs/taskrouter/internal/http"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Embeddings.Provider = "hash"
	cfg.Catalog.Path = "../../internal/catalog/testdata/catalog.yaml"
	cfg.Catalog.Watch = false
	cfg.Pipeline.AutoDispatch = false
	cfg.Logging.Level = "error"
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg)
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(base + "/health")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "server did not come up")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	vresp, err := http.Get(base + "/registry/version")
	require.NoError(t, err)
	defer vresp.Body.Close()
	var version httpserver.RegistryVersionResponse
	require.NoError(t, json.NewDecoder(vresp.Body).Decode(&version))
	assert.Equal(t, uint64(1), version.Version)
	assert.Equal(t, 2, version.ActiveIntents)
	assert.Equal(t, 3, version.ActiveCapabilities)

	aresp, err := http.Post(base+"/task/analyze", "application/json",
		strings.NewReader(`{"task": "please patch the onboarding document"}`))
	require.NoError(t, err)
	defer aresp.Body.Close()
	assert.Equal(t, http.StatusOK, aresp.StatusCode)

	mcpClient := mcp.NewClient(&mcp.Implementation{Name: "taskrouterd-test"}, nil)
	session, err := mcpClient.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: base + "/mcp"}, nil)
	require.NoError(t, err)
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "registry_version", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.NoError(t, session.Close())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}
