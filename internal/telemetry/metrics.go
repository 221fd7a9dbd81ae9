package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName scopes every taskrouter instrument.
const InstrumentationName = "github.com/fyrsmithlabs/taskrouter"

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	stageDuration  metric.Float64Histogram
	outcomes       metric.Int64Counter
	degraded       metric.Int64Counter
	hallucinations metric.Int64Counter
	decisions      metric.Int64Counter
	nodes          metric.Int64Counter
}

// NewMetrics creates the pipeline instruments on meter. Instrument creation
// errors leave the affected instrument nil, which is skipped when recording.
func NewMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.stageDuration, _ = meter.Float64Histogram(
		"taskrouter.pipeline.stage_duration_seconds",
		metric.WithDescription("Duration of each pipeline stage, labeled by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	m.outcomes, _ = meter.Int64Counter(
		"taskrouter.pipeline.outcomes_total",
		metric.WithDescription("Pipeline runs by outcome (dispatched, no_capability, denied, needs_confirmation, timeout)."),
		metric.WithUnit("{run}"),
	)
	m.degraded, _ = meter.Int64Counter(
		"taskrouter.semantic.degraded_total",
		metric.WithDescription("Semantic analyses where every backend failed or timed out."),
		metric.WithUnit("{analysis}"),
	)
	m.hallucinations, _ = meter.Int64Counter(
		"taskrouter.planner.hallucinations_total",
		metric.WithDescription("Generated plans discarded for referencing capabilities outside the retrieved set."),
		metric.WithUnit("{plan}"),
	)
	m.decisions, _ = meter.Int64Counter(
		"taskrouter.policy.decisions_total",
		metric.WithDescription("Policy decisions labeled by verdict and risk level."),
		metric.WithUnit("{decision}"),
	)
	m.nodes, _ = meter.Int64Counter(
		"taskrouter.dispatch.nodes_total",
		metric.WithDescription("Dispatched task nodes labeled by agent and status."),
		metric.WithUnit("{node}"),
	)
	return m
}

// RecordStage records how long a stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordOutcome counts a finished pipeline run.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSemanticDegraded counts a degraded Stage 1 result.
func (m *Metrics) RecordSemanticDegraded(ctx context.Context) {
	if m == nil || m.degraded == nil {
		return
	}
	m.degraded.Add(ctx, 1)
}

// RecordHallucination counts a discarded plan.
func (m *Metrics) RecordHallucination(ctx context.Context, reason string) {
	if m == nil || m.hallucinations == nil {
		return
	}
	m.hallucinations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDecision counts a policy decision.
func (m *Metrics) RecordDecision(ctx context.Context, verdict, risk string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("risk", risk),
	))
}

// RecordNode counts a dispatched node.
func (m *Metrics) RecordNode(ctx context.Context, agentID, status string) {
	if m == nil || m.nodes == nil {
		return
	}
	m.nodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("status", status),
	))
}
