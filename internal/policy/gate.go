package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("taskrouter.policy")

// Config selects the built-in rules.
type Config struct {
	// RateLimit is graphs per second per caller; 0 disables the rule.
	RateLimit float64
	RateBurst int
	// MaxNodes bounds graph size; 0 disables the rule.
	MaxNodes int
	// Grants maps callers to the agents they may invoke; nil allows all.
	Grants GrantTable
}

// Gate evaluates rules in order. The first rule producing a deny stops
// evaluation; findings gathered up to then are all reported.
type Gate struct {
	rules   []Rule
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewGate builds the standard rule chain: caller permission, rate limit,
// maximum node count, then the policy namespace when source is set.
func NewGate(cfg Config, source PolicySource, logger *zap.Logger, metrics *telemetry.Metrics) *Gate {
	rules := []Rule{PermissionRule{Grants: cfg.Grants}}
	if cfg.RateLimit > 0 {
		rules = append(rules, NewRateLimitRule(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.MaxNodes > 0 {
		rules = append(rules, MaxNodesRule{Max: cfg.MaxNodes})
	}
	if source != nil {
		rules = append(rules, NamespaceRule{Source: source})
	}
	return NewGateWithRules(logger, metrics, rules...)
}

// NewGateWithRules evaluates exactly the given rules.
func NewGateWithRules(logger *zap.Logger, metrics *telemetry.Metrics, rules ...Rule) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{rules: rules, logger: logger, metrics: metrics}
}

// Decide evaluates in. An empty graph is allowed at low risk. A true
// "confirmed" context value satisfies confirmation findings.
func (g *Gate) Decide(ctx context.Context, in Input) Decision {
	ctx, span := tracer.Start(ctx, "Gate.Decide")
	defer span.End()
	start := time.Now()
	defer func() { g.metrics.RecordStage(ctx, "policy", time.Since(start)) }()

	d := Decision{Allowed: true, RiskLevel: RiskLow, Reasons: []string{}}
	if len(in.Nodes) == 0 {
		g.metrics.RecordDecision(ctx, d.Verdict(), string(d.RiskLevel))
		return d
	}

	confirmed := truthy(in.Context["confirmed"])
	needsConfirm := false

	for _, rule := range g.rules {
		findings, err := rule.Check(ctx, &in)
		if err != nil {
			findings = append(findings, Finding{
				Rule:   rule.Name(),
				Kind:   FindingDeny,
				Risk:   RiskLow,
				Reason: fmt.Sprintf("rule %s failed: %v", rule.Name(), err),
			})
		}

		denied := false
		for _, f := range findings {
			d.Reasons = append(d.Reasons, f.Reason)
			d.RiskLevel = MaxRisk(d.RiskLevel, f.Risk)
			switch f.Kind {
			case FindingDeny:
				denied = true
			case FindingConfirm:
				needsConfirm = true
			}
		}
		if denied {
			d.Allowed = false
			g.logger.Info("policy denied graph",
				zap.String("rule", rule.Name()),
				zap.String("caller", in.Caller.ID),
				zap.Strings("reasons", d.Reasons))
			break
		}
	}

	d.RequiresConfirmation = d.Allowed && needsConfirm && !confirmed
	span.SetAttributes(
		attribute.String("policy.verdict", d.Verdict()),
		attribute.String("policy.risk", string(d.RiskLevel)),
	)
	g.metrics.RecordDecision(ctx, d.Verdict(), string(d.RiskLevel))
	return d
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		ok, _ := strconv.ParseBool(b)
		return ok
	}
	return false
}
