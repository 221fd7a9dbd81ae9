// Package planner implements Stage 3: it retrieves the capabilities relevant
// to a resolved intent and turns them into a validated task graph.
//
// The allowed set is built only from the capability namespace result for
// the current request. Generators see that set and nothing else, and their
// output is rejected whole when it names anything outside it.
package planner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("taskrouter.planner")

// Config bounds retrieval and generation.
type Config struct {
	TopK              int
	SimilarityFloor   float32
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
}

// DefaultConfig returns top-K 5 and floor 0.70.
func DefaultConfig() Config {
	return Config{
		TopK:              5,
		SimilarityFloor:   0.70,
		RetrievalTimeout:  2 * time.Second,
		GenerationTimeout: 10 * time.Second,
	}
}

// Status explains how a plan came to be, or why it is empty.
type Status string

const (
	StatusPlanned          Status = "planned"
	StatusNoCapability     Status = "no_capability"
	StatusHallucination    Status = "hallucination_rejected"
	StatusInvalid          Status = "invalid_graph"
	StatusRetrievalTimeout Status = "retrieval_timeout"
	StatusGenerationFailed Status = "generation_failed"
)

// Request is the Stage 3 input.
type Request struct {
	Task   string
	Intent registry.Intent
	Unit   semantic.Unit
	// SpecifiedAgentID restricts the allowed set to one agent.
	SpecifiedAgentID string
}

// Result is the Stage 3 output. Graph is empty unless Status is
// StatusPlanned.
type Result struct {
	Graph   TaskGraph `json:"task_graph"`
	Allowed []Allowed `json:"allowed"`
	Status  Status    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
}

// Planner retrieves capabilities and validates generated graphs.
type Planner struct {
	cfg       Config
	ns        vectorstore.Namespace
	generator Generator
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

// New creates a planner over the capability namespace.
func New(cfg Config, ns vectorstore.Namespace, generator Generator, logger *zap.Logger, metrics *telemetry.Metrics) *Planner {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = def.RetrievalTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if generator == nil {
		generator = ChainGenerator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{cfg: cfg, ns: ns, generator: generator, logger: logger, metrics: metrics}
}

// Plan never returns an error: every failure yields an empty graph with a
// status saying why.
func (p *Planner) Plan(ctx context.Context, snap *registry.Snapshot, req Request) Result {
	ctx, span := tracer.Start(ctx, "Planner.Plan")
	defer span.End()
	start := time.Now()
	defer func() { p.metrics.RecordStage(ctx, "planner", time.Since(start)) }()

	allowed, err := p.retrieve(ctx, snap, req)
	if err != nil {
		status := StatusNoCapability
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusRetrievalTimeout
		}
		p.logger.Warn("capability retrieval failed", zap.Error(err))
		return Result{Status: status, Reason: err.Error()}
	}
	span.SetAttributes(attribute.Int("planner.allowed", len(allowed)))

	if len(allowed) == 0 {
		return Result{Allowed: allowed, Status: StatusNoCapability, Reason: "no capability retrieved above the similarity floor"}
	}

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	graph, err := p.generator.Generate(genCtx, GenerateRequest{
		Task:    req.Task,
		Intent:  req.Intent,
		Unit:    req.Unit,
		Allowed: slices.Clone(allowed),
	})
	if err != nil {
		p.logger.Warn("plan generation failed", zap.String("generator", p.generator.Name()), zap.Error(err))
		return Result{Allowed: allowed, Status: StatusGenerationFailed, Reason: err.Error()}
	}
	if graph.Empty() {
		return Result{Allowed: allowed, Status: StatusNoCapability, Reason: "generator returned an empty plan"}
	}

	valid, err := Validate(graph, allowedResolver(allowed), ErrHallucination)
	switch {
	case errors.Is(err, ErrHallucination):
		p.metrics.RecordHallucination(ctx, "unknown_capability")
		p.logger.Warn("plan discarded", zap.String("generator", p.generator.Name()), zap.Error(err))
		return Result{Allowed: allowed, Status: StatusHallucination, Reason: err.Error()}
	case err != nil:
		p.logger.Warn("invalid plan", zap.String("generator", p.generator.Name()), zap.Error(err))
		return Result{Allowed: allowed, Status: StatusInvalid, Reason: err.Error()}
	}

	span.SetAttributes(attribute.Int("planner.nodes", len(valid.Nodes)))
	return Result{Graph: valid, Allowed: allowed, Status: StatusPlanned}
}

// retrieve queries the capability namespace and keeps hits that are active
// in snap. The result is ordered by score and holds each capability once.
func (p *Planner) retrieve(ctx context.Context, snap *registry.Snapshot, req Request) ([]Allowed, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RetrievalTimeout)
	defer cancel()

	hits, err := p.ns.Query(rctx, queryText(req), p.cfg.TopK, p.cfg.SimilarityFloor)
	if err != nil {
		return nil, fmt.Errorf("querying capability namespace: %w", err)
	}

	allowed := make([]Allowed, 0, len(hits))
	seen := map[string]bool{}
	for _, h := range hits {
		name, agent := h.String("capability_name"), h.String("agent_id")
		if name == "" || agent == "" {
			agent, name, _ = strings.Cut(h.ID, "/")
		}
		if req.SpecifiedAgentID != "" && agent != req.SpecifiedAgentID {
			continue
		}
		c, ok := snap.Capability(agent, name)
		if !ok || !c.Active || seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		allowed = append(allowed, Allowed{Capability: c, Score: h.Score})
	}
	return allowed, nil
}

// queryText renders the intent and unit as a retrieval query.
func queryText(req Request) string {
	parts := []string{
		strings.ReplaceAll(req.Intent.TargetCapabilityHint, "_", " "),
		strings.Join(req.Unit.ActionSignals, " "),
		strings.Join(req.Unit.Topics, " "),
		strings.Join(req.Unit.Entities, " "),
		req.Intent.Domain,
		req.Task,
	}
	var b strings.Builder
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

// allowedResolver resolves nodes only within allowed. A node naming an
// agent must match a retrieved capability of that agent; otherwise the best
// scoring capability with the name is used.
func allowedResolver(allowed []Allowed) Resolver {
	return func(n Node) (registry.Capability, bool) {
		for _, a := range allowed {
			if a.Name == n.CapabilityName && (n.AgentID == "" || n.AgentID == a.AgentID) {
				return a.Capability, true
			}
		}
		return registry.Capability{}, false
	}
}
