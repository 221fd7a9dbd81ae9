package registry

import (
	"slices"
	"strings"
	"time"
)

// Snapshot is an immutable view of both registries at one version.
// Deactivated entries are retained so capability signatures stay reserved.
type Snapshot struct {
	version      uint64
	createdAt    time.Time
	intents      map[string]Intent
	capabilities map[string]Capability
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		createdAt:    time.Now().UTC(),
		intents:      map[string]Intent{},
		capabilities: map[string]Capability{},
	}
}

// Version is incremented on every publish.
func (s *Snapshot) Version() uint64 { return s.version }

// CreatedAt is when the snapshot was published.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// ActiveIntents returns the active intents sorted by name.
func (s *Snapshot) ActiveIntents() []Intent {
	out := make([]Intent, 0, len(s.intents))
	for _, i := range s.intents {
		if i.Active {
			out = append(out, i.clone())
		}
	}
	slices.SortFunc(out, func(a, b Intent) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Intent returns a registered intent by name, active or not.
func (s *Snapshot) Intent(name string) (Intent, bool) {
	i, ok := s.intents[name]
	if !ok {
		return Intent{}, false
	}
	return i.clone(), true
}

// Capability returns a registered capability, active or not.
func (s *Snapshot) Capability(agentID, name string) (Capability, bool) {
	c, ok := s.capabilities[CapabilityKey(agentID, name)]
	if !ok {
		return Capability{}, false
	}
	return c.clone(), true
}

// ActiveCapabilities returns the active capabilities sorted by key.
func (s *Snapshot) ActiveCapabilities() []Capability {
	out := make([]Capability, 0, len(s.capabilities))
	for _, c := range s.capabilities {
		if c.Active {
			out = append(out, c.clone())
		}
	}
	slices.SortFunc(out, func(a, b Capability) int { return strings.Compare(a.Key(), b.Key()) })
	return out
}

// ActiveCapabilitiesNamed returns the active capabilities called name,
// across agents, sorted by agent.
func (s *Snapshot) ActiveCapabilitiesNamed(name string) []Capability {
	var out []Capability
	for _, c := range s.capabilities {
		if c.Active && c.Name == name {
			out = append(out, c.clone())
		}
	}
	slices.SortFunc(out, func(a, b Capability) int { return strings.Compare(a.AgentID, b.AgentID) })
	return out
}

func (s *Snapshot) activeIntentCount() int {
	n := 0
	for _, i := range s.intents {
		if i.Active {
			n++
		}
	}
	return n
}

// next copies s into a mutable draft for the following version.
func (s *Snapshot) next() *Snapshot {
	d := &Snapshot{
		version:      s.version + 1,
		createdAt:    time.Now().UTC(),
		intents:      make(map[string]Intent, len(s.intents)),
		capabilities: make(map[string]Capability, len(s.capabilities)),
	}
	for k, v := range s.intents {
		d.intents[k] = v
	}
	for k, v := range s.capabilities {
		d.capabilities[k] = v
	}
	return d
}
