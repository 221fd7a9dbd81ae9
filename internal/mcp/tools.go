package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
)

var errInvalidArguments = errors.New("invalid arguments")

type graphNode struct {
	ID             string   `json:"id" jsonschema:"node id, unique within the graph"`
	CapabilityName string   `json:"capability_name" jsonschema:"registered capability to invoke"`
	AgentID        string   `json:"agent_id,omitempty" jsonschema:"agent providing the capability"`
	DependsOn      []string `json:"depends_on,omitempty" jsonschema:"ids of nodes that must finish first"`
}

type nodeOutcome struct {
	NodeID         string `json:"node_id"`
	CapabilityName string `json:"capability_name"`
	AgentID        string `json:"agent_id"`
	Status         string `json:"status"`
	OutputType     string `json:"output_type,omitempty"`
	Output         any    `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	LatencyMS      int64  `json:"latency_ms"`
}

type taskAnalyzeInput struct {
	Task             string         `json:"task" jsonschema:"natural-language request to route"`
	Context          map[string]any `json:"context,omitempty" jsonschema:"conversation context; summary and user_correction are recognized"`
	SpecifiedAgentID string         `json:"specified_agent_id,omitempty" jsonschema:"restrict planning to this agent"`
	Mode             string         `json:"mode,omitempty" jsonschema:"design, execution or sandbox"`
	CallerID         string         `json:"caller_id,omitempty" jsonschema:"caller identity for policy evaluation"`
	Roles            []string       `json:"roles,omitempty" jsonschema:"caller roles"`
}

type taskAnalyzeOutput struct {
	TaskID           string        `json:"task_id"`
	RegistryVersion  uint64        `json:"registry_version"`
	Outcome          string        `json:"outcome"`
	Intent           string        `json:"intent,omitempty"`
	Confidence       float64       `json:"confidence,omitempty"`
	Modality         string        `json:"modality"`
	Nodes            []graphNode   `json:"nodes,omitempty"`
	Verdict          string        `json:"verdict,omitempty"`
	RiskLevel        string        `json:"risk_level,omitempty"`
	Reasons          []string      `json:"reasons,omitempty"`
	Summary          string        `json:"summary"`
	ExecutionResults []nodeOutcome `json:"execution_results,omitempty"`
}

type taskExecuteInput struct {
	Nodes     []graphNode    `json:"nodes" jsonschema:"task graph nodes"`
	Context   map[string]any `json:"context,omitempty" jsonschema:"context passed to every node"`
	Confirmed bool           `json:"confirmed,omitempty" jsonschema:"confirm a graph that requires confirmation"`
	TaskID    string         `json:"task_id,omitempty" jsonschema:"task id of an earlier task_analyze call"`
	CallerID  string         `json:"caller_id,omitempty" jsonschema:"caller identity for policy evaluation"`
	Roles     []string       `json:"roles,omitempty" jsonschema:"caller roles"`
}

type taskExecuteOutput struct {
	ExecutionID string        `json:"execution_id"`
	Outcome     string        `json:"outcome"`
	Status      string        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Verdict     string        `json:"verdict,omitempty"`
	RiskLevel   string        `json:"risk_level,omitempty"`
	Results     []nodeOutcome `json:"results,omitempty"`
}

type registryVersionInput struct{}

type registryVersionOutput struct {
	Version            uint64 `json:"version"`
	PublishedAt        string `json:"published_at"`
	ActiveIntents      int    `json:"active_intents"`
	ActiveCapabilities int    `json:"active_capabilities"`
}

// Execution outcomes reported by task_execute.
const (
	outcomeExecuted          = "executed"
	outcomeInvalidGraph      = "invalid_graph"
	outcomeDenied            = "denied"
	outcomeNeedsConfirmation = "needs_confirmation"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_analyze",
		Description: "Route a natural-language request: resolve its intent, plan a task graph from registered capabilities, evaluate policy and dispatch when allowed",
	}, s.taskAnalyze)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_execute",
		Description: "Validate a task graph against the capability registry and policy, then dispatch it to the provider agents",
	}, s.taskExecute)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "registry_version",
		Description: "Report the published capability registry version and its active entry counts",
	}, s.registryVersion)
}

func (s *Server) taskAnalyze(ctx context.Context, _ *mcp.CallToolRequest, args taskAnalyzeInput) (_ *mcp.CallToolResult, _ taskAnalyzeOutput, err error) {
	done := s.metrics.track(ctx, "task_analyze")
	defer func() { done(err) }()

	req := pipeline.AnalyzeRequest{
		Task:             args.Task,
		Context:          args.Context,
		SpecifiedAgentID: args.SpecifiedAgentID,
		Mode:             semantic.Mode(args.Mode),
		Caller:           policy.Caller{ID: args.CallerID, Roles: args.Roles},
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, taskAnalyzeOutput{}, fmt.Errorf("%w: %v", errInvalidArguments, err)
	}

	resp, err := s.pipeline.Analyze(ctx, req)
	if err != nil {
		s.logger.Error("task_analyze failed", zap.Error(err))
		return nil, taskAnalyzeOutput{}, fmt.Errorf("analyze failed: %w", err)
	}

	out := taskAnalyzeOutput{
		TaskID:          resp.TaskID,
		RegistryVersion: resp.RegistryVersion,
		Outcome:         string(resp.Outcome),
		Modality:        string(resp.SemanticUnit.Modality),
		Summary:         resp.DecisionSummary,
	}
	if resp.Intent != nil {
		out.Intent = resp.Intent.Intent.Name
		out.Confidence = resp.Intent.Confidence
	}
	if resp.TaskGraph != nil {
		out.Nodes = toGraphNodes(resp.TaskGraph.Nodes)
	}
	if d := resp.PolicyDecision; d != nil {
		out.Verdict, out.RiskLevel, out.Reasons = d.Verdict(), string(d.RiskLevel), d.Reasons
	}
	if resp.Execution != nil {
		out.ExecutionResults = toOutcomes(resp.Execution.Results)
	}
	return nil, out, nil
}

// taskExecute reports refusals in the output rather than as tool errors so
// the caller sees the policy decision.
func (s *Server) taskExecute(ctx context.Context, _ *mcp.CallToolRequest, args taskExecuteInput) (_ *mcp.CallToolResult, _ taskExecuteOutput, err error) {
	done := s.metrics.track(ctx, "task_execute")
	defer func() { done(err) }()

	if len(args.Nodes) == 0 {
		return nil, taskExecuteOutput{}, fmt.Errorf("%w: nodes is required", errInvalidArguments)
	}
	req := pipeline.ExecuteRequest{
		TaskGraph: planner.TaskGraph{Nodes: make([]planner.Node, 0, len(args.Nodes))},
		Context:   args.Context,
		Caller:    policy.Caller{ID: args.CallerID, Roles: args.Roles},
		TaskID:    args.TaskID,
	}
	for _, n := range args.Nodes {
		req.TaskGraph.Nodes = append(req.TaskGraph.Nodes, planner.Node{
			ID:             n.ID,
			CapabilityName: n.CapabilityName,
			AgentID:        n.AgentID,
			DependsOn:      n.DependsOn,
		})
	}
	if args.Confirmed {
		if req.Context == nil {
			req.Context = map[string]any{}
		}
		req.Context["confirmed"] = true
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, taskExecuteOutput{}, fmt.Errorf("%w: %v", errInvalidArguments, err)
	}

	resp, err := s.pipeline.Execute(ctx, req)
	outcome := outcomeExecuted
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrInvalidGraph):
		outcome = outcomeInvalidGraph
	case errors.Is(err, pipeline.ErrPolicyDenied):
		outcome = outcomeDenied
	case errors.Is(err, pipeline.ErrConfirmationRequired):
		outcome = outcomeNeedsConfirmation
	default:
		s.logger.Error("task_execute failed", zap.Error(err))
		return nil, taskExecuteOutput{}, fmt.Errorf("execute failed: %w", err)
	}

	out := taskExecuteOutput{
		ExecutionID: resp.ExecutionID,
		Outcome:     outcome,
		Status:      string(resp.Status),
		Reason:      resp.Reason,
		Results:     toOutcomes(resp.Results),
	}
	if d := resp.PolicyDecision; d != nil {
		out.Verdict, out.RiskLevel = d.Verdict(), string(d.RiskLevel)
	}
	return nil, out, nil
}

func (s *Server) registryVersion(ctx context.Context, _ *mcp.CallToolRequest, _ registryVersionInput) (*mcp.CallToolResult, registryVersionOutput, error) {
	done := s.metrics.track(ctx, "registry_version")
	defer done(nil)

	snap := s.pipeline.Registry.Snapshot()
	return nil, registryVersionOutput{
		Version:            snap.Version(),
		PublishedAt:        snap.CreatedAt().UTC().Format(time.RFC3339),
		ActiveIntents:      len(snap.ActiveIntents()),
		ActiveCapabilities: len(snap.ActiveCapabilities()),
	}, nil
}

func toGraphNodes(nodes []planner.Node) []graphNode {
	out := make([]graphNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, graphNode{ID: n.ID, CapabilityName: n.CapabilityName, AgentID: n.AgentID, DependsOn: n.DependsOn})
	}
	return out
}

func toOutcomes(results []dispatch.NodeResult) []nodeOutcome {
	if len(results) == 0 {
		return nil
	}
	out := make([]nodeOutcome, 0, len(results))
	for _, r := range results {
		out = append(out, nodeOutcome{
			NodeID:         r.NodeID,
			CapabilityName: r.CapabilityName,
			AgentID:        r.AgentID,
			Status:         string(r.Status),
			OutputType:     r.OutputType,
			Output:         r.Output,
			Error:          r.Error,
			LatencyMS:      r.LatencyMS,
		})
	}
	return out
}
