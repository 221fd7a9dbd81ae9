package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Input is what the rules evaluate.
type Input struct {
	Nodes   []Node
	Caller  Caller
	Context map[string]any
}

// facts is the condition namespace: the request context plus the caller.
func (in *Input) facts() map[string]any {
	f := make(map[string]any, len(in.Context)+2)
	for k, v := range in.Context {
		f[k] = v
	}
	f["caller_id"] = in.Caller.ID
	f["role"] = in.Caller.Roles
	return f
}

// FindingKind is the effect of a finding on the decision.
type FindingKind int

const (
	FindingNote FindingKind = iota
	FindingConfirm
	FindingDeny
)

// Finding is one triggered rule outcome.
type Finding struct {
	Rule   string
	Kind   FindingKind
	Risk   RiskLevel
	Reason string
}

// Rule is one deterministic check.
type Rule interface {
	// Name returns the rule identifier.
	Name() string
	// Check returns the findings for in. An error denies the graph.
	Check(ctx context.Context, in *Input) ([]Finding, error)
}

// GrantTable maps a caller id to the agents it may invoke.
type GrantTable interface {
	AllowedAgents(callerID string) (patterns []string, restricted bool)
}

// PermissionRule denies nodes owned by agents the caller may not invoke.
// Grants come from the server; a nil table leaves every caller unrestricted.
type PermissionRule struct {
	Grants GrantTable
}

// Name returns the rule identifier.
func (PermissionRule) Name() string { return "caller-permission" }

// Check validates every node's agent against the caller's grant.
func (r PermissionRule) Check(_ context.Context, in *Input) ([]Finding, error) {
	if r.Grants == nil {
		return nil, nil
	}
	allowed, restricted := r.Grants.AllowedAgents(in.Caller.ID)
	if !restricted {
		return nil, nil
	}
	var findings []Finding
	for _, n := range in.Nodes {
		if slices.ContainsFunc(allowed, func(p string) bool { return matchAny(p, n.AgentID) }) {
			continue
		}
		findings = append(findings, Finding{
			Rule:   r.Name(),
			Kind:   FindingDeny,
			Risk:   RiskMid,
			Reason: fmt.Sprintf("caller %q may not invoke agent %q (node %s)", in.Caller.ID, n.AgentID, n.ID),
		})
	}
	return findings, nil
}

// maxTrackedCallers bounds the rate limiter table.
const maxTrackedCallers = 10000

type callerBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimitRule applies a token bucket per caller. At most maxCallers
// buckets are kept: full buckets are dropped first since recreating them
// loses nothing, then the least recently seen.
type RateLimitRule struct {
	limit      rate.Limit
	burst      int
	maxCallers int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*callerBucket
}

// NewRateLimitRule allows perSecond graphs per caller with the given burst.
func NewRateLimitRule(perSecond float64, burst int) *RateLimitRule {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitRule{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxCallers: maxTrackedCallers,
		now:        time.Now,
		buckets:    map[string]*callerBucket{},
	}
}

// Name returns the rule identifier.
func (r *RateLimitRule) Name() string { return "rate-limit" }

// Check takes one token from the caller's bucket.
func (r *RateLimitRule) Check(_ context.Context, in *Input) ([]Finding, error) {
	id := in.Caller.ID
	if id == "" {
		id = "anonymous"
	}

	r.mu.Lock()
	now := r.now()
	b, ok := r.buckets[id]
	if !ok {
		if len(r.buckets) >= r.maxCallers {
			r.evict(now)
		}
		b = &callerBucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[id] = b
	}
	b.seen = now
	allowed := b.limiter.AllowN(now, 1)
	r.mu.Unlock()

	if allowed {
		return nil, nil
	}
	return []Finding{{
		Rule:   r.Name(),
		Kind:   FindingDeny,
		Risk:   RiskLow,
		Reason: fmt.Sprintf("caller %q exceeded its rate limit", id),
	}}, nil
}

// evict makes room for one bucket. r.mu must be held.
func (r *RateLimitRule) evict(now time.Time) {
	for id, b := range r.buckets {
		if b.limiter.TokensAt(now) >= float64(r.burst) {
			delete(r.buckets, id)
		}
	}
	for len(r.buckets) >= r.maxCallers {
		var oldest string
		var oldestSeen time.Time
		for id, b := range r.buckets {
			if oldest == "" || b.seen.Before(oldestSeen) {
				oldest, oldestSeen = id, b.seen
			}
		}
		delete(r.buckets, oldest)
	}
}

// MaxNodesRule bounds the graph size.
type MaxNodesRule struct {
	Max int
}

// Name returns the rule identifier.
func (MaxNodesRule) Name() string { return "max-nodes" }

// Check denies graphs with more than Max nodes.
func (r MaxNodesRule) Check(_ context.Context, in *Input) ([]Finding, error) {
	if r.Max <= 0 || len(in.Nodes) <= r.Max {
		return nil, nil
	}
	return []Finding{{
		Rule:   r.Name(),
		Kind:   FindingDeny,
		Risk:   RiskMid,
		Reason: fmt.Sprintf("graph has %d nodes, limit is %d", len(in.Nodes), r.Max),
	}}, nil
}

// NamespaceRule applies the policy entries that cover each node.
type NamespaceRule struct {
	Source PolicySource
}

// Name returns the rule identifier.
func (NamespaceRule) Name() string { return "policy-namespace" }

// Check looks up entries per node. Matching forbid entries deny and
// matching confirm entries ask for confirmation. Entries are applied in id
// order so the reasons are stable.
func (r NamespaceRule) Check(ctx context.Context, in *Input) ([]Finding, error) {
	facts := in.facts()
	var findings []Finding
	for _, n := range in.Nodes {
		entries, err := r.Source.Lookup(ctx, n)
		if err != nil {
			return findings, fmt.Errorf("policy lookup for %s: %w", n.CapabilityName, err)
		}
		slices.SortStableFunc(entries, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
		entries = slices.CompactFunc(entries, func(a, b Entry) bool { return a.ID == b.ID })

		for _, e := range entries {
			if !e.Covers(n) || !e.Holds(facts) {
				continue
			}
			kind := FindingConfirm
			if e.Effect == EffectForbid {
				kind = FindingDeny
			}
			reason := e.Reason
			if reason == "" {
				reason = string(e.Effect)
			}
			findings = append(findings, Finding{
				Rule:   r.Name(),
				Kind:   kind,
				Risk:   e.RiskLevel,
				Reason: fmt.Sprintf("policy %s on %s: %s", e.ID, n.CapabilityName, reason),
			})
		}
	}
	return findings, nil
}

var (
	_ Rule = PermissionRule{}
	_ GrantTable = (*Book)(nil)
	_ Rule = (*RateLimitRule)(nil)
	_ Rule = MaxNodesRule{}
	_ Rule = NamespaceRule{}
)
