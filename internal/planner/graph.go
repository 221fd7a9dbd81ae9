package planner

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/registry"
)

var (
	// ErrHallucination rejects a whole graph that names a capability outside
	// the allowed set.
	ErrHallucination     = errors.New("plan references capability outside the allowed set")
	ErrUnknownCapability = errors.New("capability not registered or inactive")
	ErrDuplicateNode     = errors.New("duplicate node id")
	ErrUnknownDependency = errors.New("dependency references unknown node")
	ErrCycle             = errors.New("task graph contains a cycle")
	ErrTypeMismatch      = errors.New("incompatible types between dependent nodes")
	ErrInvalidNode       = errors.New("invalid node")
)

// Node is one capability invocation. AgentID and the types are resolved
// from the capability during validation.
type Node struct {
	ID             string   `json:"id" validate:"required"`
	CapabilityName string   `json:"capability_name" validate:"required"`
	AgentID        string   `json:"agent_id,omitempty"`
	InputType      string   `json:"input_type,omitempty"`
	OutputType     string   `json:"output_type,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// TaskGraph is an acyclic plan. After validation Nodes are in a
// topological order.
type TaskGraph struct {
	Nodes []Node `json:"nodes" validate:"dive"`
}

// Empty reports whether the graph has no nodes.
func (g TaskGraph) Empty() bool { return len(g.Nodes) == 0 }

// CapabilityNames returns the distinct capability names, in node order.
func (g TaskGraph) CapabilityNames() []string {
	var names []string
	for _, n := range g.Nodes {
		if !slices.Contains(names, n.CapabilityName) {
			names = append(names, n.CapabilityName)
		}
	}
	return names
}

// Clone returns a deep copy.
func (g TaskGraph) Clone() TaskGraph {
	nodes := make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		n.DependsOn = slices.Clone(n.DependsOn)
		nodes[i] = n
	}
	return TaskGraph{Nodes: nodes}
}

// Resolver looks up the capability a node refers to. It reports false when
// the node may not be planned.
type Resolver func(n Node) (registry.Capability, bool)

// Validate checks g and returns a copy with capabilities resolved and nodes
// topologically sorted. Checks run in order: every capability resolves
// (ErrHallucination when resolve comes from a retrieval result), node ids
// are unique, dependencies exist, the graph is acyclic, and every edge is
// type compatible.
func Validate(g TaskGraph, resolve Resolver, unresolved error) (TaskGraph, error) {
	g = g.Clone()

	var missing []string
	for i, n := range g.Nodes {
		c, ok := resolve(n)
		if !ok {
			missing = append(missing, n.CapabilityName)
			continue
		}
		g.Nodes[i].AgentID = c.AgentID
		g.Nodes[i].InputType = c.InputType
		g.Nodes[i].OutputType = c.OutputType
	}
	if len(missing) > 0 {
		return TaskGraph{}, fmt.Errorf("%w: %s", unresolved, strings.Join(missing, ", "))
	}

	byID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return TaskGraph{}, fmt.Errorf("%w: node for %s has no id", ErrInvalidNode, n.CapabilityName)
		}
		if _, dup := byID[n.ID]; dup {
			return TaskGraph{}, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return TaskGraph{}, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, n.ID, dep)
			}
		}
	}

	sorted, err := topoSort(g.Nodes)
	if err != nil {
		return TaskGraph{}, err
	}

	for _, n := range sorted {
		for _, dep := range n.DependsOn {
			up := byID[dep]
			if !registry.TypesCompatible(up.OutputType, n.InputType) {
				return TaskGraph{}, fmt.Errorf("%w: %s (%s) -> %s (%s)",
					ErrTypeMismatch, up.ID, up.OutputType, n.ID, n.InputType)
			}
		}
	}
	return TaskGraph{Nodes: sorted}, nil
}

// topoSort orders nodes with Kahn's algorithm, keeping the input order among
// nodes that become ready together.
func topoSort(nodes []Node) ([]Node, error) {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps := uniq(n.DependsOn)
		indegree[n.ID] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], n.ID)
		}
	}

	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		position[n.ID] = i
	}

	var ready []int
	for i, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]Node, 0, len(nodes))
	for len(ready) > 0 {
		slices.Sort(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, nodes[i])
		for _, d := range dependents[nodes[i].ID] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, position[d])
			}
		}
	}

	if len(out) != len(nodes) {
		var stuck []string
		for _, n := range nodes {
			if indegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return out, nil
}

func uniq(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// RegistryResolver resolves nodes against the active capabilities of snap.
// A node naming an agent must match it; otherwise the first agent offering
// the capability is used.
func RegistryResolver(snap *registry.Snapshot) Resolver {
	return func(n Node) (registry.Capability, bool) {
		if n.AgentID != "" {
			c, ok := snap.Capability(n.AgentID, n.CapabilityName)
			return c, ok && c.Active
		}
		caps := snap.ActiveCapabilitiesNamed(n.CapabilityName)
		if len(caps) == 0 {
			return registry.Capability{}, false
		}
		return caps[0], true
	}
}

// ValidateAgainstRegistry validates a caller-supplied graph: every
// capability must be registered and active in snap.
func ValidateAgainstRegistry(snap *registry.Snapshot, g TaskGraph) (TaskGraph, error) {
	return Validate(g, RegistryResolver(snap), ErrUnknownCapability)
}
