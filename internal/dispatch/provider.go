package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	ErrNoProvider       = errors.New("no provider registered for agent")
	ErrUnknownTransport = errors.New("unknown provider transport")
)

// Input is the payload sent to a provider for one node.
type Input struct {
	InputType string         `json:"input_type"`
	Task      string         `json:"task"`
	Context   map[string]any `json:"context,omitempty"`
	// Upstream maps dependency node ids to their outputs.
	Upstream map[string]any `json:"upstream,omitempty"`
}

// Output is what a provider returns for one node.
type Output struct {
	OutputType string `json:"output_type"`
	Output     any    `json:"output"`
}

// Provider executes capabilities of one agent.
type Provider interface {
	Invoke(ctx context.Context, capability string, in Input) (Output, error)
}

// FuncProvider runs a capability in process.
type FuncProvider func(ctx context.Context, capability string, in Input) (Output, error)

// Invoke calls f.
func (f FuncProvider) Invoke(ctx context.Context, capability string, in Input) (Output, error) {
	return f(ctx, capability, in)
}

// Providers maps agent ids to providers. It is safe for concurrent use.
type Providers struct {
	mu sync.RWMutex
	m  map[string]Provider
}

// NewProviders creates an empty provider set.
func NewProviders() *Providers {
	return &Providers{m: map[string]Provider{}}
}

// Register sets the provider for agentID, replacing any previous one.
func (p *Providers) Register(agentID string, provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[agentID] = provider
}

// Remove drops the provider for agentID.
func (p *Providers) Remove(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, agentID)
}

// Get returns the provider for agentID.
func (p *Providers) Get(agentID string) (Provider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider, ok := p.m[agentID]
	return provider, ok
}

// Agents returns the registered agent ids, sorted.
func (p *Providers) Agents() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.m))
	for id := range p.m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Spec describes how to reach an agent. It is loaded from the catalog.
type Spec struct {
	AgentID   string        `json:"agent_id" koanf:"agent_id"`
	Transport string        `json:"transport" koanf:"transport"` // http, nats or mcp
	URL       string        `json:"url,omitempty" koanf:"url"`
	Subject   string        `json:"subject,omitempty" koanf:"subject"`
	Timeout   time.Duration `json:"timeout,omitempty" koanf:"timeout"`
}

// Validate checks that the spec names a transport and its address.
func (s Spec) Validate() error {
	if s.AgentID == "" {
		return errors.New("agent spec: agent_id is required")
	}
	switch s.Transport {
	case "http", "mcp":
		if s.URL == "" {
			return fmt.Errorf("agent %s: %s transport requires url", s.AgentID, s.Transport)
		}
	case "nats":
	default:
		return fmt.Errorf("%w: agent %s: %q", ErrUnknownTransport, s.AgentID, s.Transport)
	}
	return nil
}

// Build creates the provider for a spec. nc is required for the nats
// transport only. MCP providers connect lazily on first use.
func Build(spec Spec, nc *nats.Conn) (Provider, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Transport {
	case "http":
		return NewHTTPProvider(spec.URL, spec.Timeout), nil
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("agent %s: nats transport requires a NATS connection", spec.AgentID)
		}
		subject := spec.Subject
		if subject == "" {
			subject = DefaultSubjectPrefix + "." + spec.AgentID
		}
		return NewNATSProvider(nc, subject), nil
	default:
		return NewMCPEndpoint(spec.URL), nil
	}
}
