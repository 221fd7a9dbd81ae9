package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes bounds a provider response body.
const maxResponseBytes = 10 * 1024 * 1024

// HTTPProvider invokes capabilities as POST {base}/capabilities/{name} with
// a JSON Input body and expects a JSON Output body.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates an HTTP provider. A zero timeout leaves the
// deadline to the caller's context.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Invoke posts the input and decodes the output.
func (p *HTTPProvider) Invoke(ctx context.Context, capability string, in Input) (Output, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("marshaling input: %w", err)
	}

	endpoint := p.baseURL + "/capabilities/" + url.PathEscape(capability)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Output{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var out Output
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Output{}, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

func truncateBody(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ Provider = (*HTTPProvider)(nil)
