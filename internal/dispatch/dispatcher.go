// Package dispatch implements Stage 5: executing a validated task graph
// against the providers registered for each agent and collecting per-node
// results.
package dispatch

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("taskrouter.dispatch")

// Status is a node's final state.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// NodeResult is the outcome of one node.
type NodeResult struct {
	NodeID         string `json:"node_id"`
	CapabilityName string `json:"capability_name"`
	AgentID        string `json:"agent_id"`
	Status         Status `json:"status"`
	OutputType     string `json:"output_type,omitempty"`
	Output         any    `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	LatencyMS      int64  `json:"latency_ms"`
}

// Execution aggregates a graph run. Results follow graph order.
type Execution struct {
	Success   bool         `json:"success"`
	Results   []NodeResult `json:"results"`
	LatencyMS int64        `json:"latency_ms"`
}

// Failed counts nodes that did not succeed.
func (e Execution) Failed() int {
	n := 0
	for _, r := range e.Results {
		if r.Status != StatusSucceeded {
			n++
		}
	}
	return n
}

// Request carries what every node receives besides upstream outputs.
type Request struct {
	Task    string
	Context map[string]any
}

// Config bounds execution.
type Config struct {
	MaxInFlight int
	NodeTimeout time.Duration
}

// Dispatcher runs graphs. It never retries a node.
type Dispatcher struct {
	providers *Providers
	cfg       Config
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

// New creates a dispatcher over providers.
func New(cfg Config, providers *Providers, logger *zap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{providers: providers, cfg: cfg, logger: logger, metrics: metrics}
}

// Dispatch executes g, which must already be validated. A node starts as
// soon as its own dependencies have resolved, with at most MaxInFlight
// nodes running at once. A node whose dependency did not succeed is
// skipped, and so is every node not yet started when ctx ends.
func (d *Dispatcher) Dispatch(ctx context.Context, g planner.TaskGraph, req Request) Execution {
	ctx, span := tracer.Start(ctx, "Dispatcher.Dispatch")
	defer span.End()
	start := time.Now()
	defer func() { d.metrics.RecordStage(ctx, "dispatch", time.Since(start)) }()

	results := make(map[string]*NodeResult, len(g.Nodes))
	for _, n := range g.Nodes {
		results[n.ID] = &NodeResult{NodeID: n.ID, CapabilityName: n.CapabilityName, AgentID: n.AgentID}
	}

	sched := newSchedule(g)
	// Every node reports exactly once, so sends never block.
	done := make(chan string, len(g.Nodes))
	eg := new(errgroup.Group)
	eg.SetLimit(d.cfg.MaxInFlight)

	launch := func(n planner.Node) {
		res := results[n.ID]
		if err := ctx.Err(); err != nil {
			skip(res, fmt.Sprintf("not started: %v", err))
			done <- n.ID
			return
		}
		upstream, blocked := d.upstream(n, results)
		if blocked != "" {
			skip(res, fmt.Sprintf("dependency %s did not succeed", blocked))
			done <- n.ID
			return
		}
		in := Input{
			InputType: n.InputType,
			Task:      req.Task,
			Context:   maps.Clone(req.Context),
			Upstream:  upstream,
		}
		eg.Go(func() error {
			d.runNode(ctx, n, in, res)
			done <- n.ID
			return nil
		})
	}

	for _, n := range sched.roots() {
		launch(n)
	}
	for range g.Nodes {
		for _, n := range sched.resolve(<-done) {
			launch(n)
		}
	}
	_ = eg.Wait()

	exec := Execution{Success: true, Results: make([]NodeResult, 0, len(g.Nodes))}
	for _, n := range g.Nodes {
		r := *results[n.ID]
		if r.Status != StatusSucceeded {
			exec.Success = false
		}
		d.metrics.RecordNode(ctx, r.AgentID, string(r.Status))
		exec.Results = append(exec.Results, r)
	}
	exec.LatencyMS = time.Since(start).Milliseconds()

	span.SetAttributes(attribute.Int("dispatch.nodes", len(g.Nodes)), attribute.Bool("dispatch.success", exec.Success))
	if !exec.Success {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d nodes did not succeed", exec.Failed(), len(g.Nodes)))
	}
	return exec
}

// upstream collects the outputs of n's dependencies, or names the first
// dependency that did not succeed.
func (d *Dispatcher) upstream(n planner.Node, results map[string]*NodeResult) (map[string]any, string) {
	if len(n.DependsOn) == 0 {
		return nil, ""
	}
	up := make(map[string]any, len(n.DependsOn))
	for _, dep := range n.DependsOn {
		r := results[dep]
		if r == nil || r.Status != StatusSucceeded {
			return nil, dep
		}
		up[dep] = r.Output
	}
	return up, ""
}

func (d *Dispatcher) runNode(ctx context.Context, n planner.Node, in Input, res *NodeResult) {
	ctx, span := tracer.Start(ctx, "Dispatcher.runNode", nodeSpanOptions(n)...)
	defer span.End()
	start := time.Now()
	defer func() { res.LatencyMS = time.Since(start).Milliseconds() }()

	provider, ok := d.providers.Get(n.AgentID)
	if !ok {
		fail(res, fmt.Errorf("%w %q", ErrNoProvider, n.AgentID))
		span.SetStatus(codes.Error, res.Error)
		return
	}

	if d.cfg.NodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.NodeTimeout)
		defer cancel()
	}

	out, err := provider.Invoke(ctx, n.CapabilityName, in)
	if err != nil {
		fail(res, err)
		span.SetStatus(codes.Error, res.Error)
		d.logger.Warn("node failed",
			zap.String("node", n.ID),
			zap.String("capability", n.CapabilityName),
			zap.String("agent", n.AgentID),
			zap.Error(err))
		return
	}

	if out.OutputType == "" {
		out.OutputType = n.OutputType
	}
	if !registry.TypesCompatible(out.OutputType, n.OutputType) {
		fail(res, fmt.Errorf("provider returned output_type %q, capability declares %q", out.OutputType, n.OutputType))
		span.SetStatus(codes.Error, res.Error)
		return
	}

	res.Status = StatusSucceeded
	res.OutputType = out.OutputType
	res.Output = out.Output
}

func nodeSpanOptions(n planner.Node) []trace.SpanStartOption {
	return []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("node.id", n.ID),
		attribute.String("node.capability", n.CapabilityName),
		attribute.String("node.agent", n.AgentID),
	)}
}

func fail(r *NodeResult, err error) {
	r.Status = StatusFailed
	r.Error = err.Error()
}

func skip(r *NodeResult, reason string) {
	r.Status = StatusSkipped
	r.Error = reason
}

// schedule tracks unmet dependencies per node. It is owned by the
// goroutine running Dispatch.
type schedule struct {
	nodes      []planner.Node
	byID       map[string]planner.Node
	unmet      map[string]int
	dependents map[string][]string
}

func newSchedule(g planner.TaskGraph) *schedule {
	s := &schedule{
		nodes:      g.Nodes,
		byID:       make(map[string]planner.Node, len(g.Nodes)),
		unmet:      make(map[string]int, len(g.Nodes)),
		dependents: make(map[string][]string, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		s.byID[n.ID] = n
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := s.byID[dep]; !ok {
				continue
			}
			s.unmet[n.ID]++
			s.dependents[dep] = append(s.dependents[dep], n.ID)
		}
	}
	return s
}

// roots returns the nodes without dependencies, in graph order.
func (s *schedule) roots() []planner.Node {
	var out []planner.Node
	for _, n := range s.nodes {
		if s.unmet[n.ID] == 0 {
			out = append(out, n)
		}
	}
	return out
}

// resolve marks id finished and returns the dependents it made ready, in
// graph order.
func (s *schedule) resolve(id string) []planner.Node {
	var out []planner.Node
	for _, dep := range s.dependents[id] {
		s.unmet[dep]--
		if s.unmet[dep] == 0 {
			out = append(out, s.byID[dep])
		}
	}
	return out
}
