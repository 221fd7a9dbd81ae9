// Package pipeline runs requests through the five stages (semantic
// analysis, intent resolution, planning, policy and dispatch) as a
// validated state machine, and appends exactly one execution record per
// run.
//
// Expected conditions (nothing found, denied, partial failure, deadline)
// are reported in the response, never as errors. Analyze returns an error
// only for internal faults; Execute additionally returns ErrInvalidGraph,
// ErrPolicyDenied or ErrConfirmationRequired alongside a populated
// response.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	"github.com/fyrsmithlabs/taskrouter/internal/intent"
	"github.com/fyrsmithlabs/taskrouter/internal/logging"
	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/routingmemory"
	"github.com/fyrsmithlabs/taskrouter/internal/secrets"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("taskrouter.pipeline")

// recordTimeout bounds the record append, which runs after the request
// deadline may already have passed.
const recordTimeout = 5 * time.Second

// Context keys read from the request context map.
const (
	ContextSummaryKey    = "summary"
	ContextCorrectionKey = "user_correction"
)

// Config holds request-level settings.
type Config struct {
	RequestDeadline time.Duration
	// AutoDispatch runs Stage 5 from Analyze when policy allows the plan.
	AutoDispatch bool
}

// Deps are the stages and stores a pipeline runs against.
type Deps struct {
	Registry   *registry.Store
	Analyzer   *semantic.Analyzer
	Resolver   *intent.Resolver
	Planner    *planner.Planner
	Gate       *policy.Gate
	Dispatcher *dispatch.Dispatcher
	Memory     routingmemory.Store
	Scrubber   secrets.Scrubber
	Logger     *logging.Logger
	Metrics    *telemetry.Metrics
}

// Pipeline wires the stages together. It is safe for concurrent use.
type Pipeline struct {
	cfg Config
	Deps
}

// New creates a pipeline. Scrubber and Logger default to no-ops.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"registry":   deps.Registry != nil,
		"analyzer":   deps.Analyzer != nil,
		"resolver":   deps.Resolver != nil,
		"planner":    deps.Planner != nil,
		"gate":       deps.Gate != nil,
		"dispatcher": deps.Dispatcher != nil,
		"memory":     deps.Memory != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("pipeline: missing %s", strings.Join(missing, ", "))
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 60 * time.Second
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.NoopScrubber{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Pipeline{cfg: cfg, Deps: deps}, nil
}

// AnalyzeRequest is a free-form request.
type AnalyzeRequest struct {
	Task             string         `json:"task" validate:"required,max=16384"`
	Context          map[string]any `json:"context,omitempty"`
	SpecifiedAgentID string         `json:"specified_agent_id,omitempty" validate:"omitempty,max=128"`
	Mode             semantic.Mode  `json:"mode,omitempty" validate:"omitempty,oneof=design execution sandbox"`
	Caller           policy.Caller  `json:"caller"`
}

// AnalyzeResponse is everything Analyze learned about a request.
type AnalyzeResponse struct {
	TaskID          string                `json:"task_id"`
	RegistryVersion uint64                `json:"registry_version"`
	SemanticUnit    semantic.Unit         `json:"semantic_unit"`
	Intent          *intent.Resolution    `json:"intent,omitempty"`
	TaskGraph       *planner.TaskGraph    `json:"task_graph,omitempty"`
	PolicyDecision  *policy.Decision      `json:"policy_decision,omitempty"`
	DecisionSummary string                `json:"decision_summary"`
	Outcome         Outcome               `json:"outcome"`
	Execution       *dispatch.Execution   `json:"execution,omitempty"`
	Record          *routingmemory.Record `json:"execution_record,omitempty"`
}

// Analyze runs stages 1 to 4 and, when configured and allowed, stage 5.
func (p *Pipeline) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	start := time.Now()
	taskID := uuid.NewString()
	ctx = logging.WithCallerID(logging.WithTaskID(ctx, taskID), req.Caller.ID)
	ctx, span := tracer.Start(ctx, "Pipeline.Analyze")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestDeadline)
	defer cancel()

	r := newRun()
	snap := p.Registry.Snapshot()
	task := p.scrub(ctx, req.Task)
	resp := &AnalyzeResponse{TaskID: taskID, RegistryVersion: snap.Version()}
	rec := p.newRecord(taskID, task, req.Context)
	var kind ErrorKind

	// finish moves to the final state, appends the record and fills in the
	// parts of the response derived from it.
	finish := func(final State, outcome Outcome) (*AnalyzeResponse, error) {
		if err := r.advance(final); err != nil {
			return nil, p.internal(ctx, err)
		}
		resp.Outcome = outcome
		resp.DecisionSummary = summarize(resp)
		rec.FinalState = string(final)
		rec.Outcome = string(outcome)
		rec.ErrorKind = string(kind)
		rec.SemanticUnit = resp.SemanticUnit
		rec.PolicyDecision = resp.PolicyDecision
		rec.LatencyMS = time.Since(start).Milliseconds()
		if resp.Intent != nil {
			rec.IntentName = resp.Intent.Intent.Name
		}
		p.append(ctx, &rec)
		resp.Record = &rec

		span.SetAttributes(attribute.String("pipeline.outcome", string(outcome)), attribute.String("pipeline.final_state", string(final)))
		p.Metrics.RecordOutcome(ctx, string(outcome))
		p.Logger.Info(ctx, "request routed",
			zap.String("outcome", string(outcome)),
			zap.String("final_state", string(final)),
			zap.String("error_kind", string(kind)),
			zap.Int64("latency_ms", rec.LatencyMS))
		return resp, nil
	}
	timedOut := func() bool {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindPipelineTimeout
			return true
		}
		return false
	}

	sem := p.Analyzer.Analyze(ctx, semantic.Input{Text: task, Context: contextString(req.Context, ContextSummaryKey), Mode: req.Mode})
	resp.SemanticUnit = sem.Unit
	if sem.Degraded {
		kind = worse(kind, KindSemanticDegraded)
	}
	if timedOut() {
		return finish(StateTerminated, OutcomeTimeout)
	}
	if err := r.advance(StateSemanticDone); err != nil {
		return nil, p.internal(ctx, err)
	}

	res := p.Resolver.Resolve(ctx, snap, sem.Unit)
	resp.Intent = &res
	if res.Fallback {
		kind = worse(kind, KindIntentUnresolved)
	}
	if timedOut() {
		return finish(StateTerminated, OutcomeTimeout)
	}
	if err := r.advance(StateIntentResolved); err != nil {
		return nil, p.internal(ctx, err)
	}

	plan := p.Planner.Plan(ctx, snap, planner.Request{
		Task:             task,
		Intent:           res.Intent,
		Unit:             sem.Unit,
		SpecifiedAgentID: req.SpecifiedAgentID,
	})
	if timedOut() {
		return finish(StateTerminated, OutcomeTimeout)
	}
	if plan.Graph.Empty() {
		if plan.Status == planner.StatusHallucination || plan.Status == planner.StatusInvalid {
			kind = worse(kind, KindPlanHallucinationRejected)
		} else {
			kind = worse(kind, KindNoCapabilityFound)
		}
		if err := r.advance(StatePlannedEmpty); err != nil {
			return nil, p.internal(ctx, err)
		}
		return finish(StateTerminated, OutcomeNoCapability)
	}
	if err := r.advance(StatePlanned); err != nil {
		return nil, p.internal(ctx, err)
	}
	graph := plan.Graph
	resp.TaskGraph = &graph

	decision, next, outcome, k := p.decide(ctx, graph, req.Caller, req.Context)
	resp.PolicyDecision = &decision
	kind = worse(kind, k)
	if err := r.advance(next); err != nil {
		return nil, p.internal(ctx, err)
	}
	if next != StatePolicyAllowed {
		return finish(StateTerminated, outcome)
	}
	if !p.cfg.AutoDispatch {
		return finish(StateTerminated, OutcomePlanned)
	}
	if timedOut() {
		return finish(StateTerminated, OutcomeTimeout)
	}

	exec := p.Dispatcher.Dispatch(ctx, graph, dispatch.Request{Task: task, Context: req.Context})
	resp.Execution = &exec
	fillExecution(&rec, graph, exec)
	if !exec.Success {
		kind = worse(kind, KindProviderExecutionFailure)
	}
	if err := r.advance(StateDispatched); err != nil {
		return nil, p.internal(ctx, err)
	}
	if timedOut() {
		return finish(StateRecorded, OutcomeTimeout)
	}
	return finish(StateRecorded, OutcomeDispatched)
}

// ExecuteRequest submits a caller-built graph. The graph itself is
// checked by Execute so that its problems surface as ErrInvalidGraph.
type ExecuteRequest struct {
	TaskGraph planner.TaskGraph `json:"task_graph" validate:"-"`
	Context   map[string]any    `json:"context,omitempty"`
	Caller    policy.Caller     `json:"caller"`
	// TaskID links the execution to an earlier Analyze call.
	TaskID string `json:"task_id,omitempty" validate:"omitempty,max=128"`
}

// ExecutionStatus summarizes node outcomes.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionPartial ExecutionStatus = "partial"
)

// ExecuteResponse is the outcome of Execute.
type ExecuteResponse struct {
	ExecutionID     string                `json:"execution_id"`
	Status          ExecutionStatus       `json:"status"`
	Results         []dispatch.NodeResult `json:"results"`
	PolicyDecision  *policy.Decision      `json:"policy_decision,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	ExecutionRecord routingmemory.Record  `json:"execution_record"`
}

// Execute validates a caller-supplied graph against the bound registry
// snapshot, runs the policy gate and dispatches it.
func (p *Pipeline) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()
	execID := uuid.NewString()
	taskID := req.TaskID
	if taskID == "" {
		taskID = execID
	}
	ctx = logging.WithCallerID(logging.WithTaskID(ctx, taskID), req.Caller.ID)
	ctx, span := tracer.Start(ctx, "Pipeline.Execute")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestDeadline)
	defer cancel()

	r := newRun()
	snap := p.Registry.Snapshot()
	resp := &ExecuteResponse{ExecutionID: execID, Status: ExecutionFailed, Results: []dispatch.NodeResult{}}
	rec := p.newRecord(taskID, "", req.Context)
	rec.RecordID = execID
	var (
		kind    ErrorKind
		outcome Outcome
	)

	finish := func(final State, retErr error) (*ExecuteResponse, error) {
		if err := r.advance(final); err != nil {
			return nil, p.internal(ctx, err)
		}
		rec.FinalState = string(final)
		rec.Outcome = string(outcome)
		rec.ErrorKind = string(kind)
		rec.PolicyDecision = resp.PolicyDecision
		rec.LatencyMS = time.Since(start).Milliseconds()
		p.append(ctx, &rec)
		resp.ExecutionRecord = rec

		span.SetAttributes(attribute.String("pipeline.outcome", string(outcome)), attribute.String("execution.status", string(resp.Status)))
		p.Metrics.RecordOutcome(ctx, string(outcome))
		p.Logger.Info(ctx, "graph executed",
			zap.String("execution_id", execID),
			zap.String("status", string(resp.Status)),
			zap.String("outcome", string(outcome)),
			zap.String("error_kind", string(kind)))
		return resp, retErr
	}

	if req.TaskGraph.Empty() {
		outcome, kind = OutcomeInvalidGraph, KindInvalidTaskGraph
		resp.Reason = "task graph has no nodes"
		if err := r.advance(StatePlannedEmpty); err != nil {
			return nil, p.internal(ctx, err)
		}
		return finish(StateTerminated, fmt.Errorf("%w: %s", ErrInvalidGraph, resp.Reason))
	}
	graph, err := planner.ValidateAgainstRegistry(snap, req.TaskGraph)
	if err != nil {
		outcome, kind = OutcomeInvalidGraph, KindInvalidTaskGraph
		if errors.Is(err, planner.ErrUnknownCapability) {
			kind = KindPlanHallucinationRejected
		}
		resp.Reason = err.Error()
		return finish(StateTerminated, fmt.Errorf("%w: %w", ErrInvalidGraph, err))
	}
	if err := r.advance(StatePlanned); err != nil {
		return nil, p.internal(ctx, err)
	}

	decision, next, o, k := p.decide(ctx, graph, req.Caller, req.Context)
	resp.PolicyDecision = &decision
	outcome, kind = o, k
	if err := r.advance(next); err != nil {
		return nil, p.internal(ctx, err)
	}
	switch next {
	case StatePolicyDenied:
		resp.Reason = strings.Join(decision.Reasons, "; ")
		return finish(StateTerminated, ErrPolicyDenied)
	case StatePolicyNeedsConfirmation:
		resp.Reason = strings.Join(decision.Reasons, "; ")
		return finish(StateTerminated, ErrConfirmationRequired)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome, kind = OutcomeTimeout, KindPipelineTimeout
		return finish(StateTerminated, nil)
	}

	exec := p.Dispatcher.Dispatch(ctx, graph, dispatch.Request{Context: req.Context})
	resp.Results = exec.Results
	resp.Status = executionStatus(exec)
	fillExecution(&rec, graph, exec)
	outcome = OutcomeDispatched
	if !exec.Success {
		kind = KindProviderExecutionFailure
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome, kind = OutcomeTimeout, KindPipelineTimeout
	}
	if err := r.advance(StateDispatched); err != nil {
		return nil, p.internal(ctx, err)
	}
	return finish(StateRecorded, nil)
}

// decide runs the gate and maps its verdict to the next state.
func (p *Pipeline) decide(ctx context.Context, g planner.TaskGraph, caller policy.Caller, facts map[string]any) (policy.Decision, State, Outcome, ErrorKind) {
	nodes := make([]policy.Node, len(g.Nodes))
	for i, n := range g.Nodes {
		nodes[i] = policy.Node{ID: n.ID, CapabilityName: n.CapabilityName, AgentID: n.AgentID}
	}
	d := p.Gate.Decide(ctx, policy.Input{Nodes: nodes, Caller: caller, Context: facts})
	switch {
	case !d.Allowed:
		return d, StatePolicyDenied, OutcomeDenied, KindPolicyDenied
	case d.RequiresConfirmation:
		return d, StatePolicyNeedsConfirmation, OutcomeNeedsConfirmation, KindPolicyConfirmationRequired
	default:
		return d, StatePolicyAllowed, "", ""
	}
}

func (p *Pipeline) scrub(ctx context.Context, text string) string {
	res := p.Scrubber.Scrub(text)
	if res.HasFindings() {
		p.Logger.Warn(ctx, "secrets scrubbed from task", zap.Strings("rules", res.RuleIDs()))
	}
	return res.Scrubbed
}

func (p *Pipeline) newRecord(taskID, task string, facts map[string]any) routingmemory.Record {
	return routingmemory.Record{
		RecordID:       uuid.NewString(),
		TaskID:         taskID,
		Task:           task,
		TaskResults:    []map[string]any{},
		CreatedAt:      time.Now().UTC(),
		UserCorrection: contextBool(facts, ContextCorrectionKey),
	}
}

// append writes the record even when the request context has ended. A
// failed append is logged; the caller still gets its response.
func (p *Pipeline) append(ctx context.Context, rec *routingmemory.Record) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.Memory.Append(actx, *rec); err != nil {
		p.Logger.Error(ctx, "appending execution record failed", zap.String("record_id", rec.RecordID), zap.Error(err))
	}
}

func (p *Pipeline) internal(ctx context.Context, err error) error {
	p.Logger.Error(ctx, "pipeline state machine violated", zap.Error(err))
	return fmt.Errorf("internal pipeline error: %w", err)
}

func fillExecution(rec *routingmemory.Record, g planner.TaskGraph, exec dispatch.Execution) {
	rec.TaskCount = len(g.Nodes)
	rec.ExecutionSuccess = exec.Success
	rec.TaskResults = make([]map[string]any, 0, len(exec.Results))
	for _, nr := range exec.Results {
		m := map[string]any{
			"node_id":         nr.NodeID,
			"capability_name": nr.CapabilityName,
			"agent_id":        nr.AgentID,
			"status":          string(nr.Status),
			"latency_ms":      nr.LatencyMS,
		}
		if nr.OutputType != "" {
			m["output_type"] = nr.OutputType
		}
		if nr.Error != "" {
			m["error"] = nr.Error
		}
		rec.TaskResults = append(rec.TaskResults, m)
	}
}

func executionStatus(exec dispatch.Execution) ExecutionStatus {
	if exec.Success {
		return ExecutionSuccess
	}
	for _, r := range exec.Results {
		if r.Status == dispatch.StatusSucceeded {
			return ExecutionPartial
		}
	}
	return ExecutionFailed
}

func worse(a, b ErrorKind) ErrorKind {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// contextBool accepts a JSON bool or a string strconv.ParseBool understands.
func contextBool(facts map[string]any, key string) bool {
	switch v := facts[key].(type) {
	case bool:
		return v
	case string:
		ok, _ := strconv.ParseBool(v)
		return ok
	}
	return false
}

func contextString(facts map[string]any, key string) string {
	s, _ := facts[key].(string)
	return s
}
