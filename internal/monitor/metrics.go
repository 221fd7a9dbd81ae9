package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PromQL queries over the router's metrics as exported through an OTLP
// collector into a Prometheus-compatible store.
const (
	queryRequestRate   = `sum(rate(taskrouter_http_requests_total[1m])) * 60`
	queryLatencyP95    = `histogram_quantile(0.95, sum by (le) (rate(taskrouter_http_request_duration_seconds_bucket[1m])))`
	queryOutcomes      = `sum by (outcome) (increase(taskrouter_pipeline_outcomes_total[5m]))`
	queryStageP95      = `histogram_quantile(0.95, sum by (le, stage) (rate(taskrouter_pipeline_stage_duration_seconds_bucket[5m])))`
	queryHallucination = `sum(increase(taskrouter_planner_hallucinations_total[5m]))`
	queryDegraded      = `sum(increase(taskrouter_semantic_degraded_total[5m]))`
	queryNodeFailures  = `sum by (agent) (increase(taskrouter_dispatch_nodes_total{status!="succeeded"}[5m]))`
)

// MetricsClient queries a Prometheus-compatible HTTP API.
type MetricsClient struct {
	baseURL string
	client  *http.Client
}

// QueryResult is the /api/v1/query response.
type QueryResult struct {
	Status string    `json:"status"`
	Data   QueryData `json:"data"`
}

// QueryData holds the query result data
type QueryData struct {
	ResultType string         `json:"resultType"`
	Result     []MetricResult `json:"result"`
}

// MetricResult is one sample of an instant vector.
type MetricResult struct {
	Metric map[string]string `json:"metric"`
	Value  [2]any            `json:"value"`
}

// NewMetricsClient creates a new metrics client
func NewMetricsClient(baseURL string) *MetricsClient {
	return &MetricsClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Query executes an instant PromQL query.
func (c *MetricsClient) Query(ctx context.Context, query string) (QueryResult, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/query")
	if err != nil {
		return QueryResult{}, fmt.Errorf("invalid base URL: %w", err)
	}

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QueryResult{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return QueryResult{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Status != "" && result.Status != "success" {
		return QueryResult{}, fmt.Errorf("query %q returned status %s", query, result.Status)
	}

	return result, nil
}

// QueryRequestRate returns API requests per minute.
func (c *MetricsClient) QueryRequestRate(ctx context.Context) (float64, error) {
	return c.scalar(ctx, queryRequestRate)
}

// QueryLatencyP95 returns the API p95 latency in seconds.
func (c *MetricsClient) QueryLatencyP95(ctx context.Context) (float64, error) {
	return c.scalar(ctx, queryLatencyP95)
}

// QueryOutcomes returns pipeline runs per outcome over the last 5 minutes.
func (c *MetricsClient) QueryOutcomes(ctx context.Context) (map[string]float64, error) {
	return c.byLabel(ctx, queryOutcomes, "outcome")
}

// QueryStageLatencyP95 returns the p95 duration of each stage in seconds.
func (c *MetricsClient) QueryStageLatencyP95(ctx context.Context) (map[string]float64, error) {
	return c.byLabel(ctx, queryStageP95, "stage")
}

// QueryHallucinations returns plans discarded over the last 5 minutes.
func (c *MetricsClient) QueryHallucinations(ctx context.Context) (float64, error) {
	return c.scalar(ctx, queryHallucination)
}

// QuerySemanticDegraded returns degraded semantic results over the last 5
// minutes.
func (c *MetricsClient) QuerySemanticDegraded(ctx context.Context) (float64, error) {
	return c.scalar(ctx, queryDegraded)
}

// QueryNodeFailures returns failed or skipped nodes per agent over the last
// 5 minutes.
func (c *MetricsClient) QueryNodeFailures(ctx context.Context) (map[string]float64, error) {
	return c.byLabel(ctx, queryNodeFailures, "agent")
}

func (c *MetricsClient) scalar(ctx context.Context, query string) (float64, error) {
	result, err := c.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return extractFloatValue(result)
}

func (c *MetricsClient) byLabel(ctx context.Context, query, label string) (map[string]float64, error) {
	result, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(result.Data.Result))
	for _, r := range result.Data.Result {
		v, err := sampleValue(r)
		if err != nil {
			return nil, err
		}
		out[r.Metric[label]] = v
	}
	return out, nil
}

// extractFloatValue extracts the first sample; an empty vector is 0.
func extractFloatValue(result QueryResult) (float64, error) {
	if len(result.Data.Result) == 0 {
		return 0, nil
	}
	return sampleValue(result.Data.Result[0])
}

func sampleValue(r MetricResult) (float64, error) {
	valueStr, ok := r.Value[1].(string)
	if !ok {
		return 0, fmt.Errorf("value is not a string")
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}
	return value, nil
}
