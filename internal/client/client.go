// Package client is a typed HTTP client for the taskrouterd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/taskrouter/internal/http"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
)

// DefaultURL is where taskrouterd listens by default.
const DefaultURL = "http://localhost:9191"

// StatusError is returned for responses outside 2xx. Execute refusals
// (403, 409, 422) also return the decoded response body.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}

// Client talks to one taskrouterd instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. A zero timeout leaves requests bounded
// only by their context.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Analyze posts a task to /task/analyze.
func (c *Client) Analyze(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.AnalyzeResponse, error) {
	var out pipeline.AnalyzeResponse
	if _, err := c.do(ctx, http.MethodPost, "/task/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute posts a graph to /orchestrator/execute. Refusals return both the
// response and a *StatusError.
func (c *Client) Execute(ctx context.Context, req pipeline.ExecuteRequest) (*pipeline.ExecuteResponse, error) {
	var out pipeline.ExecuteResponse
	code, err := c.do(ctx, http.MethodPost, "/orchestrator/execute", req, &out,
		http.StatusUnprocessableEntity, http.StatusForbidden, http.StatusConflict)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return &out, &StatusError{Code: code, Message: out.Reason}
	}
	return &out, nil
}

// Health fetches /health. A degraded server (503) is not an error; check
// the returned status.
func (c *Client) Health(ctx context.Context) (*httpserver.HealthResponse, error) {
	var out httpserver.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &out, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegistryVersion fetches /registry/version.
func (c *Client) RegistryVersion(ctx context.Context) (*httpserver.RegistryVersionResponse, error) {
	var out httpserver.RegistryVersionResponse
	if _, err := c.do(ctx, http.MethodGet, "/registry/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends body as JSON and decodes a 200, or any status in accept, into
// out. It returns the status code.
func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && !slices.Contains(accept, resp.StatusCode) {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// errorMessage extracts echo's {"message": ...} body, falling back to the
// raw text.
func errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return ""
	}
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}
