package registry

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
)

// NamespaceMirror keeps the capability namespace 1:1 with the registry:
// active capabilities are indexed, deactivated ones deleted.
type NamespaceMirror struct {
	ns vectorstore.Namespace
}

// NewNamespaceMirror mirrors into ns.
func NewNamespaceMirror(ns vectorstore.Namespace) *NamespaceMirror {
	return &NamespaceMirror{ns: ns}
}

// Sync indexes capabilities that changed between prev and next.
func (m *NamespaceMirror) Sync(ctx context.Context, prev, next *Snapshot) error {
	var (
		index  []vectorstore.Chunk
		remove []string
	)
	for key, c := range next.capabilities {
		old, existed := prev.capabilities[key]
		if existed && reflect.DeepEqual(old, c) {
			continue
		}
		if c.Active {
			index = append(index, CapabilityChunk(c))
		} else if existed && old.Active {
			remove = append(remove, key)
		}
	}

	if len(remove) > 0 {
		if err := m.ns.Delete(ctx, remove); err != nil {
			return fmt.Errorf("removing deactivated capabilities: %w", err)
		}
	}
	if len(index) > 0 {
		if err := m.ns.Index(ctx, index); err != nil {
			return fmt.Errorf("indexing capabilities: %w", err)
		}
	}
	return nil
}

// CapabilityChunk renders a capability as its capability-namespace chunk.
func CapabilityChunk(c Capability) vectorstore.Chunk {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(c.Name, "_", " "))
	if c.Description != "" {
		b.WriteString(": ")
		b.WriteString(c.Description)
	}
	fmt.Fprintf(&b, " (agent %s, %s -> %s)", c.AgentID, c.InputType, c.OutputType)

	meta := map[string]any{
		"capability_name": c.Name,
		"agent_id":        c.AgentID,
		"input_type":      c.InputType,
		"output_type":     c.OutputType,
		"active":          c.Active,
		"version":         c.Version,
	}
	if len(c.Constraints) > 0 {
		meta["constraints"] = c.Constraints
	}
	return vectorstore.Chunk{
		ID:        c.Key(),
		Namespace: vectorstore.Capability,
		Content:   b.String(),
		Metadata:  meta,
	}
}

var _ Mirror = (*NamespaceMirror)(nil)
