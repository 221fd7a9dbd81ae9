package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/llm"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
)

// Allowed is a capability retrieved for the current request.
type Allowed struct {
	registry.Capability
	Score float32 `json:"score"`
}

// GenerateRequest is the generator input. Allowed is the complete set of
// capabilities the plan may use, best first.
type GenerateRequest struct {
	Task    string
	Intent  registry.Intent
	Unit    semantic.Unit
	Allowed []Allowed
}

// Generator proposes a task graph. Its output is untrusted and always
// validated against the allowed set.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (TaskGraph, error)
}

// ChainGenerator builds a linear plan without a model: it starts with the
// best scoring capability and appends allowed capabilities whose input type
// equals the previous output type.
type ChainGenerator struct{}

func (ChainGenerator) Name() string { return "chain" }

func (ChainGenerator) Generate(_ context.Context, req GenerateRequest) (TaskGraph, error) {
	if len(req.Allowed) == 0 {
		return TaskGraph{}, nil
	}

	used := map[string]bool{}
	cur := req.Allowed[0]
	used[cur.Key()] = true
	nodes := []Node{{ID: "t1", CapabilityName: cur.Name, AgentID: cur.AgentID}}

	for {
		next, ok := nextLink(req.Allowed, used, cur.OutputType)
		if !ok {
			break
		}
		used[next.Key()] = true
		nodes = append(nodes, Node{
			ID:             fmt.Sprintf("t%d", len(nodes)+1),
			CapabilityName: next.Name,
			AgentID:        next.AgentID,
			DependsOn:      []string{nodes[len(nodes)-1].ID},
		})
		cur = next
	}
	return TaskGraph{Nodes: nodes}, nil
}

func nextLink(allowed []Allowed, used map[string]bool, output string) (Allowed, bool) {
	if output == registry.AnyType {
		return Allowed{}, false
	}
	for _, a := range allowed {
		if !used[a.Key()] && a.InputType == output {
			return a, true
		}
	}
	return Allowed{}, false
}

const planSystemPrompt = `You plan tasks for a router. You may ONLY use the capabilities listed in the request.
Never invent a capability name. If the list is empty, or none fits, return {"nodes": []}.

Respond with a JSON object only:
{"nodes": [{"id": "t1", "capability_name": "...", "agent_id": "...", "depends_on": []}]}

- ids are unique short strings
- depends_on lists ids of nodes whose output this node consumes
- a node's input type must match the output type of the nodes it depends on`

// LLMGenerator asks a language model for the plan.
type LLMGenerator struct {
	model llm.Backend
}

// NewLLMGenerator wraps model.
func NewLLMGenerator(model llm.Backend) *LLMGenerator {
	return &LLMGenerator{model: model}
}

func (g *LLMGenerator) Name() string { return "llm/" + g.model.Name() }

func (g *LLMGenerator) Generate(ctx context.Context, req GenerateRequest) (TaskGraph, error) {
	resp, err := g.model.Generate(ctx, planPrompt(req), llm.Constraints{
		System:      planSystemPrompt,
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return TaskGraph{}, fmt.Errorf("plan generation: %w", err)
	}

	raw, err := llm.ExtractJSON(resp.Text)
	if err != nil {
		return TaskGraph{}, fmt.Errorf("plan generation: %w", err)
	}
	// Models sometimes return the node list without the wrapper object.
	if strings.HasPrefix(raw, "[") {
		raw = `{"nodes":` + raw + `}`
	}
	var plan TaskGraph
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return TaskGraph{}, fmt.Errorf("plan generation: decoding plan: %w", err)
	}
	return plan, nil
}

func planPrompt(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Task)
	fmt.Fprintf(&b, "Intent: %s (domain %s", req.Intent.Name, req.Intent.Domain)
	if req.Intent.TargetCapabilityHint != "" {
		fmt.Fprintf(&b, ", hint %s", req.Intent.TargetCapabilityHint)
	}
	b.WriteString(")\n")
	if len(req.Unit.ActionSignals) > 0 {
		fmt.Fprintf(&b, "Actions: %s\n", strings.Join(req.Unit.ActionSignals, ", "))
	}
	if len(req.Unit.Entities) > 0 {
		fmt.Fprintf(&b, "Entities: %s\n", strings.Join(req.Unit.Entities, ", "))
	}

	b.WriteString("\nAllowed capabilities:\n")
	if len(req.Allowed) == 0 {
		b.WriteString("(none: return an empty plan)\n")
	}
	for _, a := range req.Allowed {
		fmt.Fprintf(&b, "- %s (agent %s, %s -> %s)", a.Name, a.AgentID, a.InputType, a.OutputType)
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

var (
	_ Generator = ChainGenerator{}
	_ Generator = (*LLMGenerator)(nil)
)
