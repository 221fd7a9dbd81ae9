// Package policy implements Stage 4, a deterministic rule engine that
// decides whether a task graph may be dispatched.
//
// The package must not depend on language-model code. Policy documents come
// from the catalog-published Book and the policy namespace through the
// PolicySource interface, which returns entries only; rules never generate
// text.
package policy

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
)

// ErrInvalidEntry is returned for malformed policy entries.
var ErrInvalidEntry = errors.New("invalid policy entry")

// RiskLevel ranks how dangerous a graph is.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskMid  RiskLevel = "mid"
	RiskHigh RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskMid:
		return 1
	case RiskHigh:
		return 2
	}
	return 0
}

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMid || r == RiskHigh
}

// MaxRisk returns the higher of a and b.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	if a == "" {
		return RiskLow
	}
	return a
}

// Effect is what a matching policy entry does.
type Effect string

const (
	EffectForbid  Effect = "forbid"
	EffectConfirm Effect = "confirm"
)

// Caller identifies who submitted the request. What a caller may invoke is
// looked up server-side by ID.
type Caller struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// Node is the part of a task node the rules look at.
type Node struct {
	ID             string `json:"id"`
	CapabilityName string `json:"capability_name"`
	AgentID        string `json:"agent_id"`
}

// Decision is the Stage 4 output.
type Decision struct {
	Allowed              bool      `json:"allowed"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	RiskLevel            RiskLevel `json:"risk_level"`
	Reasons              []string  `json:"reasons"`
}

// Verdict names the decision for logs and metrics.
func (d Decision) Verdict() string {
	switch {
	case !d.Allowed:
		return "deny"
	case d.RequiresConfirmation:
		return "confirm"
	}
	return "allow"
}

// Entry is a policy document from the policy namespace.
type Entry struct {
	ID string `json:"id" koanf:"id"`
	// Scope patterns are matched against the capability name, the
	// "agent/capability" key and the agent id. "*" matches everything.
	Scope      []string       `json:"scope" koanf:"scope"`
	Effect     Effect         `json:"effect" koanf:"effect"`
	RiskLevel  RiskLevel      `json:"risk_level" koanf:"risk_level"`
	Reason     string         `json:"reason" koanf:"reason"`
	Conditions map[string]any `json:"conditions,omitempty" koanf:"conditions"`
}

// Validate normalizes and checks an entry.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	}
	if len(e.Scope) == 0 {
		return fmt.Errorf("%w: %s: scope is required", ErrInvalidEntry, e.ID)
	}
	for _, p := range e.Scope {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%w: %s: bad scope pattern %q", ErrInvalidEntry, e.ID, p)
		}
	}
	switch e.Effect {
	case EffectForbid, EffectConfirm:
	default:
		return fmt.Errorf("%w: %s: effect must be forbid or confirm, got %q", ErrInvalidEntry, e.ID, e.Effect)
	}
	if e.RiskLevel == "" {
		e.RiskLevel = RiskLow
	}
	if !e.RiskLevel.Valid() {
		return fmt.Errorf("%w: %s: unknown risk level %q", ErrInvalidEntry, e.ID, e.RiskLevel)
	}
	return nil
}

// Covers reports whether the entry's scope covers n.
func (e Entry) Covers(n Node) bool {
	key := n.AgentID + "/" + n.CapabilityName
	for _, p := range e.Scope {
		if matchAny(p, n.CapabilityName, key, n.AgentID) {
			return true
		}
	}
	return false
}

// Holds reports whether every condition holds against facts. A condition
// whose value is a list holds when any listed value matches; a fact that is
// a list matches when any of its values does.
func (e Entry) Holds(facts map[string]any) bool {
	for key, want := range e.Conditions {
		got, ok := facts[key]
		if !ok || !intersects(values(want), values(got)) {
			return false
		}
	}
	return true
}

func matchAny(pattern string, candidates ...string) bool {
	for _, c := range candidates {
		if pattern == "*" || pattern == c {
			return true
		}
		if ok, _ := path.Match(pattern, c); ok {
			return true
		}
	}
	return false
}

func values(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			out[i] = fmt.Sprint(item)
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.ContainsFunc(b, func(y string) bool { return strings.EqualFold(x, y) }) {
			return true
		}
	}
	return false
}
