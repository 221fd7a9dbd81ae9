// Package registry holds the intent and capability catalogues.
//
// Both are published together as immutable, versioned snapshots. Writers
// (administrative upserts, catalog reloads) build a new snapshot and swap it
// in atomically; readers bind one snapshot per request and never lock.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
)

var (
	ErrInvalidName         = errors.New("invalid name: must be alphanumeric with hyphens/underscores/dots")
	ErrIntentNotFound      = errors.New("intent not found")
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrTooManyIntents      = errors.New("active intent limit exceeded")
	ErrSignatureConflict   = errors.New("capability signature conflict")
	ErrInvalidDepth        = errors.New("invalid intent depth")
	ErrFallbackIntentFixed = errors.New("fallback intent cannot be modified")
)

// namePattern validates intent, capability and agent identifiers.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks an identifier.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: name too long (max 128)", ErrInvalidName)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Depth is the expected depth of an answer to an intent.
type Depth string

const (
	DepthBasic        Depth = "Basic"
	DepthIntermediate Depth = "Intermediate"
	DepthAdvanced     Depth = "Advanced"
)

// Intent is a registered user goal.
type Intent struct {
	Name                 string   `json:"name" koanf:"name"`
	Domain               string   `json:"domain" koanf:"domain"`
	TargetCapabilityHint string   `json:"target_capability_hint,omitempty" koanf:"target_capability_hint"`
	OutputFormat         []string `json:"output_format,omitempty" koanf:"output_format"`
	Depth                Depth    `json:"depth" koanf:"depth"`
	Description          string   `json:"description,omitempty" koanf:"description"`
	Version              int      `json:"version" koanf:"version"`
	Active               bool     `json:"active" koanf:"active"`
}

// Fallback intent identity. The resolver returns it whenever no registered
// intent scores above the threshold.
const (
	FallbackIntentName   = "general_conversation"
	FallbackIntentDomain = "general-conversation"
)

// FallbackIntent returns the fixed fallback intent.
func FallbackIntent() Intent {
	return Intent{
		Name:         FallbackIntentName,
		Domain:       FallbackIntentDomain,
		OutputFormat: []string{"text"},
		Depth:        DepthBasic,
		Version:      1,
		Active:       true,
	}
}

// Validate normalizes and checks an intent.
func (i *Intent) Validate() error {
	if err := ValidateName(i.Name); err != nil {
		return fmt.Errorf("intent name: %w", err)
	}
	if i.Name == FallbackIntentName {
		return ErrFallbackIntentFixed
	}
	if i.Domain == "" {
		return fmt.Errorf("intent %s: domain is required", i.Name)
	}
	switch i.Depth {
	case "":
		i.Depth = DepthBasic
	case DepthBasic, DepthIntermediate, DepthAdvanced:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDepth, i.Depth)
	}
	if i.Version <= 0 {
		i.Version = 1
	}
	return nil
}

func (i Intent) clone() Intent {
	i.OutputFormat = slices.Clone(i.OutputFormat)
	return i
}

// AnyType matches every input or output type.
const AnyType = "any"

// Capability is an operation offered by a provider agent.
type Capability struct {
	Name        string         `json:"capability_name" koanf:"capability_name"`
	AgentID     string         `json:"agent_id" koanf:"agent_id"`
	InputType   string         `json:"input_type" koanf:"input_type"`
	OutputType  string         `json:"output_type" koanf:"output_type"`
	Description string         `json:"description,omitempty" koanf:"description"`
	Constraints map[string]any `json:"constraints,omitempty" koanf:"constraints"`
	Active      bool           `json:"active" koanf:"active"`
	Version     int            `json:"version" koanf:"version"`
}

// Key identifies a capability across agents.
func (c Capability) Key() string {
	return CapabilityKey(c.AgentID, c.Name)
}

// CapabilityKey builds the identity key for (agentID, name).
func CapabilityKey(agentID, name string) string {
	return agentID + "/" + name
}

// Validate normalizes and checks a capability.
func (c *Capability) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return fmt.Errorf("capability name: %w", err)
	}
	if err := ValidateName(c.AgentID); err != nil {
		return fmt.Errorf("capability %s agent_id: %w", c.Name, err)
	}
	if c.InputType == "" {
		c.InputType = AnyType
	}
	if c.OutputType == "" {
		c.OutputType = AnyType
	}
	if c.Version <= 0 {
		c.Version = 1
	}
	return nil
}

func (c Capability) clone() Capability {
	c.Constraints = maps.Clone(c.Constraints)
	return c
}

// TypesCompatible reports whether an output of type out can feed an input
// of type in: equal, or either side is "any".
func TypesCompatible(out, in string) bool {
	return out == in || out == AnyType || in == AnyType
}
