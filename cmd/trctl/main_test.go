package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fyrsmithlabs/taskrouter/internal/http"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
)

// resetFlags clears flag state left by an earlier command run.
func resetFlags() {
	outputJSON = false
	executeConfirm = false
	analyzeAgent = ""
	analyzeMode = ""
	callerID = ""
	forceInit = false
}

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(bytes.NewReader(nil))
	rootCmd.SetArgs(append(args, "--no-spinner"))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func jsonServer(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRootCmd_Commands(t *testing.T) {
	want := []string{"analyze", "catalog", "execute", "health", "init", "monitor"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestHealthCmd(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			_ = json.NewEncoder(w).Encode(httpserver.HealthResponse{
				Status:          "ok",
				Services:        map[string]string{"vectorstore": "ok"},
				RegistryVersion: 4,
				Namespaces:      map[string]int{"capability": 12, "memory": -1},
			})
		})
		out, err := run(t, "health", "--server", url)
		require.NoError(t, err)
		assert.Contains(t, out, "OK")
		assert.Contains(t, out, "v4")
		assert.Contains(t, out, "12 chunks")
		assert.Contains(t, out, "unknown")
	})

	t.Run("degraded", func(t *testing.T) {
		url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(httpserver.HealthResponse{
				Status:   "degraded",
				Services: map[string]string{"nats": "disconnected"},
			})
		})
		out, err := run(t, "health", "--server", url)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "degraded")
		assert.Contains(t, out, "disconnected")
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := run(t, "health", "--server", "http://127.0.0.1:1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to reach")
	})
}

func TestCatalogValidateCmd(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := run(t, "catalog", "validate", "../../internal/catalog/testdata/catalog.yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "VALID")
		assert.Contains(t, out, "3 (2 active)")
		assert.Contains(t, out, "2026.03")
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		body := "agents:\n  - agent_id: editor\n    transport: http\n    url: http://a\n  - agent_id: editor\n    transport: http\n    url: http://b\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))

		_, err := run(t, "catalog", "validate", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate agent editor")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := run(t, "catalog", "validate", filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestInitCmd(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "taskrouter")

	out, err := run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	for _, name := range []string{"config.yaml", "catalog.yaml"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	cfg, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), filepath.Join(dir, "catalog.yaml"))

	// The starter catalog must itself validate.
	out, err = run(t, "catalog", "validate", filepath.Join(dir, "catalog.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "VALID")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte("custom"), 0600))
	out, err = run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Kept existing")
	data, _ := os.ReadFile(filepath.Join(dir, "catalog.yaml"))
	assert.Equal(t, "custom", string(data))

	out, err = run(t, "init", "--force")
	require.NoError(t, err)
	assert.NotContains(t, out, "Kept existing")
	data, _ = os.ReadFile(filepath.Join(dir, "catalog.yaml"))
	assert.Equal(t, starterCatalog, string(data))
}

func TestAnalyzeCmd_JSON(t *testing.T) {
	url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.AnalyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "patch the guide", req.Task)
		assert.Equal(t, "editor", req.SpecifiedAgentID)
		_ = json.NewEncoder(w).Encode(pipeline.AnalyzeResponse{TaskID: "t-9", Outcome: pipeline.OutcomePlanned})
	})

	out, err := run(t, "analyze", "--server", url, "--agent", "editor", "--json", "patch the guide")
	require.NoError(t, err)

	var resp pipeline.AnalyzeResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "t-9", resp.TaskID)
}
