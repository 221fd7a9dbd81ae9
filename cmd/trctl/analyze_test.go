package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	"github.com/fyrsmithlabs/taskrouter/internal/intent"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
)

func TestAnalyzeCmd_Render(t *testing.T) {
	url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.AnalyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "design", string(req.Mode))
		assert.Equal(t, "alice", req.Caller.ID)
		assert.Equal(t, "docs/guide.md", req.Context["summary"])

		_ = json.NewEncoder(w).Encode(pipeline.AnalyzeResponse{
			TaskID:          "t-1",
			RegistryVersion: 3,
			SemanticUnit: semantic.Unit{
				Topics:        []string{"guide"},
				ActionSignals: []string{"patch"},
				Modality:      semantic.ModalityInstruction,
				Certainty:     0.8,
			},
			Intent: &intent.Resolution{Intent: registry.Intent{Name: "document_edit"}, Confidence: 0.74},
			TaskGraph: &planner.TaskGraph{Nodes: []planner.Node{
				{ID: "n1", CapabilityName: "generate_patch_design", AgentID: "editor"},
				{ID: "n2", CapabilityName: "apply_patch", AgentID: "editor", DependsOn: []string{"n1"}},
			}},
			PolicyDecision:  &policy.Decision{Allowed: true, RequiresConfirmation: true, RiskLevel: policy.RiskMid, Reasons: []string{"applying patches changes documents"}},
			DecisionSummary: "Routed to document_edit.",
			Outcome:         pipeline.OutcomeNeedsConfirmation,
		})
	})

	out, err := run(t, "analyze", "--server", url, "--mode", "design", "--caller", "alice",
		"-c", "summary=docs/guide.md", "patch the guide")
	require.NoError(t, err)
	assert.Contains(t, out, "NEEDS CONFIRMATION")
	assert.Contains(t, out, "registry v3")
	assert.Contains(t, out, "document_edit (0.74)")
	assert.Contains(t, out, "generate_patch_design@editor")
	assert.Contains(t, out, "after n1")
	assert.Contains(t, out, "confirm (risk mid)")
	assert.Contains(t, out, "Routed to document_edit.")
}

func TestAnalyzeCmd_Stdin(t *testing.T) {
	url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.AnalyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize the notes", req.Task)
		_ = json.NewEncoder(w).Encode(pipeline.AnalyzeResponse{Outcome: pipeline.OutcomeNoCapability})
	})

	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(bytes.NewBufferString("  summarize the notes\n"))
	rootCmd.SetArgs([]string{"analyze", "--server", url, "--no-spinner", "-"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "NO CAPABILITY")
	assert.Contains(t, out.String(), "no graph")
}

func TestAnalyzeCmd_EmptyTask(t *testing.T) {
	_, err := run(t, "analyze", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no task")
}

func TestParseExecuteRequest(t *testing.T) {
	t.Run("bare graph", func(t *testing.T) {
		req, err := parseExecuteRequest([]byte(`{"nodes":[{"id":"n1","capability_name":"apply_patch"}]}`))
		require.NoError(t, err)
		require.Len(t, req.TaskGraph.Nodes, 1)
		assert.Equal(t, "apply_patch", req.TaskGraph.Nodes[0].CapabilityName)
	})

	t.Run("full request", func(t *testing.T) {
		req, err := parseExecuteRequest([]byte(`{"task_id":"t-1","task_graph":{"nodes":[{"id":"n1","capability_name":"apply_patch"}]},"context":{"a":"b"}}`))
		require.NoError(t, err)
		assert.Equal(t, "t-1", req.TaskID)
		assert.Equal(t, "b", req.Context["a"])
		assert.Len(t, req.TaskGraph.Nodes, 1)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := parseExecuteRequest([]byte(`[1,2`))
		require.Error(t, err)
	})
}

func writeGraph(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodes":[{"id":"n1","capability_name":"apply_patch"}]}`), 0600))
	return path
}

func TestExecuteCmd(t *testing.T) {
	t.Run("needs confirmation", func(t *testing.T) {
		url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
			var req pipeline.ExecuteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Nil(t, req.Context["confirmed"])
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(pipeline.ExecuteResponse{
				ExecutionID:    "e-1",
				Status:         pipeline.ExecutionFailed,
				PolicyDecision: &policy.Decision{Allowed: true, RequiresConfirmation: true, RiskLevel: policy.RiskMid},
				Reason:         "task graph requires confirmation",
			})
		})
		out, err := run(t, "execute", "--server", url, writeGraph(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--confirm")
		assert.Contains(t, out, "task graph requires confirmation")
	})

	t.Run("confirmed", func(t *testing.T) {
		url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
			var req pipeline.ExecuteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, true, req.Context["confirmed"])
			_ = json.NewEncoder(w).Encode(pipeline.ExecuteResponse{
				ExecutionID: "e-2",
				Status:      pipeline.ExecutionSuccess,
				Results: []dispatch.NodeResult{{
					NodeID: "n1", CapabilityName: "apply_patch", AgentID: "editor",
					Status: dispatch.StatusSucceeded, LatencyMS: 12,
				}},
			})
		})
		out, err := run(t, "execute", "--server", url, "--confirm", writeGraph(t))
		require.NoError(t, err)
		assert.Contains(t, out, "SUCCESS")
		assert.Contains(t, out, "apply_patch@editor succeeded 12ms")
	})

	t.Run("denied", func(t *testing.T) {
		url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(pipeline.ExecuteResponse{
				Status:         pipeline.ExecutionFailed,
				PolicyDecision: &policy.Decision{RiskLevel: policy.RiskHigh, Reasons: []string{"bulk deletion is not allowed"}},
				Reason:         "task graph denied by policy",
			})
		})
		out, err := run(t, "execute", "--server", url, writeGraph(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "denied by policy")
		assert.Contains(t, out, "deny (risk high)")
	})

	t.Run("partial", func(t *testing.T) {
		url := jsonServer(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(pipeline.ExecuteResponse{
				Status: pipeline.ExecutionPartial,
				Results: []dispatch.NodeResult{
					{NodeID: "n1", Status: dispatch.StatusSucceeded},
					{NodeID: "n2", Status: dispatch.StatusFailed, Error: "timeout"},
				},
			})
		})
		out, err := run(t, "execute", "--server", url, writeGraph(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "execution partial")
		assert.Contains(t, out, "PARTIAL")
		assert.Contains(t, out, "timeout")
	})
}
