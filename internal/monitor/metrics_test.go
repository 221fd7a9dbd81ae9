package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsClient(t *testing.T) {
	client := NewMetricsClient("http://localhost:9090")
	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:9090", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestMetricsClient_Query_Success(t *testing.T) {
	// Mock Prometheus API
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		assert.Equal(t, "up", r.URL.Query().Get("query"))

		response := QueryResult{
			Status: "success",
			Data: QueryData{
				ResultType: "vector",
				Result: []MetricResult{
					{
						Metric: map[string]string{"job": "taskrouter"},
						Value:  [2]any{float64(1699564800), "1"},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewMetricsClient(server.URL)
	ctx := context.Background()

	result, err := client.Query(ctx, "up")
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "vector", result.Data.ResultType)
	assert.Len(t, result.Data.Result, 1)
	assert.Equal(t, "taskrouter", result.Data.Result[0].Metric["job"])
	assert.Equal(t, "1", result.Data.Result[0].Value[1])
}

func TestMetricsClient_Query_Timeout(t *testing.T) {
	// Server that delays response beyond timeout
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewMetricsClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Query(ctx, "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context deadline exceeded")
}

func TestMetricsClient_Query_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewMetricsClient(server.URL)
	ctx := context.Background()

	_, err := client.Query(ctx, "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 500")
}

func TestMetricsClient_Query_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{invalid json"))
	}))
	defer server.Close()

	client := NewMetricsClient(server.URL)
	ctx := context.Background()

	_, err := client.Query(ctx, "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func vectorServer(t *testing.T, wantQuery string, results ...MetricResult) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantQuery, r.URL.Query().Get("query"))
		json.NewEncoder(w).Encode(QueryResult{
			Status: "success",
			Data:   QueryData{ResultType: "vector", Result: results},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func sample(labels map[string]string, value string) MetricResult {
	return MetricResult{Metric: labels, Value: [2]any{float64(1699564800), value}}
}

func TestMetricsClient_QueryRequestRate(t *testing.T) {
	server := vectorServer(t, queryRequestRate, sample(map[string]string{}, "45.7"))

	rate, err := NewMetricsClient(server.URL).QueryRequestRate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 45.7, rate, 0.01)
}

func TestMetricsClient_QueryRequestRate_NoData(t *testing.T) {
	server := vectorServer(t, queryRequestRate)

	rate, err := NewMetricsClient(server.URL).QueryRequestRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)
}

func TestMetricsClient_QueryLatencyP95(t *testing.T) {
	server := vectorServer(t, queryLatencyP95, sample(map[string]string{}, "0.0123"))

	latency, err := NewMetricsClient(server.URL).QueryLatencyP95(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.0123, latency, 0.0001)
}

func TestMetricsClient_QueryOutcomes(t *testing.T) {
	server := vectorServer(t, queryOutcomes,
		sample(map[string]string{"outcome": "dispatched"}, "12"),
		sample(map[string]string{"outcome": "denied"}, "3"),
	)

	outcomes, err := NewMetricsClient(server.URL).QueryOutcomes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"dispatched": 12, "denied": 3}, outcomes)
}

func TestMetricsClient_QueryStageLatencyP95(t *testing.T) {
	server := vectorServer(t, queryStageP95, sample(map[string]string{"stage": "planner"}, "0.25"))

	stages, err := NewMetricsClient(server.URL).QueryStageLatencyP95(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.25, stages["planner"], 0.0001)
}

func TestMetricsClient_QueryNodeFailures_BadValue(t *testing.T) {
	server := vectorServer(t, queryNodeFailures, MetricResult{
		Metric: map[string]string{"agent": "editor"},
		Value:  [2]any{float64(1699564800), 3.0},
	})

	_, err := NewMetricsClient(server.URL).QueryNodeFailures(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a string")
}

func TestMetricsClient_Query_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","data":{"resultType":"","result":[]}}`))
	}))
	defer server.Close()

	_, err := NewMetricsClient(server.URL).Query(context.Background(), "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status error")
}

func TestMetricsClient_Query_EmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := QueryResult{
			Status: "success",
			Data: QueryData{
				ResultType: "vector",
				Result:     []MetricResult{},
			},
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewMetricsClient(server.URL)
	ctx := context.Background()

	result, err := client.Query(ctx, "up")
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Empty(t, result.Data.Result)
}
