package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
)

// PolicySource finds the policy entries relevant to a node. It returns
// documents only.
type PolicySource interface {
	Lookup(ctx context.Context, n Node) ([]Entry, error)
}

// NamespaceSource reads entries from the policy namespace. Every stored
// entry is considered; similarity to the node only orders the result.
type NamespaceSource struct {
	ns vectorstore.Namespace
}

// anyScore is below the lowest cosine similarity.
const anyScore float32 = -2

// NewNamespaceSource reads from ns.
func NewNamespaceSource(ns vectorstore.Namespace) *NamespaceSource {
	return &NamespaceSource{ns: ns}
}

// Lookup returns the valid entries whose scope covers n.
func (s *NamespaceSource) Lookup(ctx context.Context, n Node) ([]Entry, error) {
	total, err := s.ns.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting policy namespace: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	query := strings.ReplaceAll(n.CapabilityName, "_", " ") + " " + n.CapabilityName + " agent " + n.AgentID
	hits, err := s.ns.Query(ctx, query, total, anyScore)
	if err != nil {
		return nil, fmt.Errorf("querying policy namespace: %w", err)
	}
	entries := make([]Entry, 0, len(hits))
	for _, h := range hits {
		e := EntryFromChunk(h)
		if err := e.Validate(); err != nil || !e.Covers(n) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Sources merges several sources. When two return the same entry id the
// earlier source wins.
type Sources []PolicySource

func (s Sources) Lookup(ctx context.Context, n Node) ([]Entry, error) {
	var out []Entry
	seen := map[string]bool{}
	for _, src := range s {
		entries, err := src.Lookup(ctx, n)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// StaticSource serves a fixed list of entries to every lookup.
type StaticSource []Entry

func (s StaticSource) Lookup(context.Context, Node) ([]Entry, error) {
	return slices.Clone(s), nil
}

// EntryChunk renders an entry as its policy-namespace chunk.
func EntryChunk(e Entry) vectorstore.Chunk {
	scope := strings.Join(e.Scope, " ")
	meta := map[string]any{
		"policy_id":  e.ID,
		"scope":      e.Scope,
		"effect":     string(e.Effect),
		"risk_level": string(e.RiskLevel),
		"reason":     e.Reason,
	}
	if len(e.Conditions) > 0 {
		meta["conditions"] = e.Conditions
	}
	return vectorstore.Chunk{
		ID:        "policy/" + e.ID,
		Namespace: vectorstore.Policy,
		Content:   fmt.Sprintf("%s %s: %s %s", e.Effect, strings.ReplaceAll(scope, "_", " "), scope, e.Reason),
		Metadata:  meta,
	}
}

// EntryFromChunk is the inverse of EntryChunk. Metadata that went through
// a vector store comes back as generic JSON values.
func EntryFromChunk(c vectorstore.Chunk) Entry {
	e := Entry{
		ID:        c.String("policy_id"),
		Effect:    Effect(c.String("effect")),
		RiskLevel: RiskLevel(c.String("risk_level")),
		Reason:    c.String("reason"),
	}
	if e.ID == "" {
		e.ID = strings.TrimPrefix(c.ID, "policy/")
	}
	switch scope := c.Metadata["scope"].(type) {
	case []string:
		e.Scope = slices.Clone(scope)
	case []any:
		e.Scope = values(scope)
	case string:
		e.Scope = strings.Split(scope, ",")
	}
	if cond, ok := c.Metadata["conditions"].(map[string]any); ok {
		e.Conditions = cond
	}
	return e
}
