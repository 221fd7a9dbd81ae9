package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolError is a failure reported by the tool itself, as opposed to a
// transport or protocol failure.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// MCPProvider invokes each capability as the MCP tool of the same name.
type MCPProvider struct {
	session *mcp.ClientSession
}

// NewMCPProvider uses an established client session.
func NewMCPProvider(session *mcp.ClientSession) *MCPProvider {
	return &MCPProvider{session: session}
}

// Invoke calls the tool. Structured content is preferred; text content that
// holds JSON is decoded, other text is returned as a string.
func (p *MCPProvider) Invoke(ctx context.Context, capability string, in Input) (Output, error) {
	res, err := p.session.CallTool(ctx, &mcp.CallToolParams{Name: capability, Arguments: in})
	if err != nil {
		return Output{}, fmt.Errorf("calling tool %s: %w", capability, err)
	}
	if res.IsError {
		return Output{}, &ToolError{Tool: capability, Message: textContent(res)}
	}

	var out any = res.StructuredContent
	if out == nil {
		text := textContent(res)
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			out = text
		}
	}
	return envelope(out), nil
}

// envelope unwraps tools that already answer with {output_type, output}.
func envelope(v any) Output {
	m, ok := v.(map[string]any)
	if !ok {
		return Output{Output: v}
	}
	ot, hasType := m["output_type"].(string)
	inner, hasOutput := m["output"]
	if hasType && hasOutput && len(m) == 2 {
		return Output{OutputType: ot, Output: inner}
	}
	return Output{Output: v}
}

func textContent(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MCPEndpoint connects to a streamable HTTP MCP server on first use and
// reconnects after a failed call.
type MCPEndpoint struct {
	url string

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewMCPEndpoint creates a lazily connected provider for url.
func NewMCPEndpoint(url string) *MCPEndpoint {
	return &MCPEndpoint{url: url}
}

// Invoke connects if needed and calls the tool.
func (e *MCPEndpoint) Invoke(ctx context.Context, capability string, in Input) (Output, error) {
	session, err := e.connect(ctx)
	if err != nil {
		return Output{}, err
	}
	out, err := NewMCPProvider(session).Invoke(ctx, capability, in)
	var toolErr *ToolError
	if err != nil && ctx.Err() == nil && !errors.As(err, &toolErr) {
		e.reset(session)
	}
	return out, err
}

func (e *MCPEndpoint) connect(ctx context.Context) (*mcp.ClientSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return e.session, nil
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "taskrouter", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: e.url}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to MCP server %s: %w", e.url, err)
	}
	e.session = session
	return session, nil
}

func (e *MCPEndpoint) reset(session *mcp.ClientSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == session {
		_ = session.Close()
		e.session = nil
	}
}

// Close closes the current session, if any.
func (e *MCPEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	return err
}

var (
	_ Provider = (*MCPProvider)(nil)
	_ Provider = (*MCPEndpoint)(nil)
)
