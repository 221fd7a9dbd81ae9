// Package semantic implements Stage 1: turning raw request text into a
// semantic unit of topics, entities, action signals, modality and certainty.
//
// A Unit deliberately carries no intent or agent. Resolution happens in later
// stages; this package never reads a registry or a retrieval namespace.
package semantic

import (
	"slices"
	"sort"
)

// Modality classifies how the request is phrased.
type Modality string

const (
	ModalityInstruction  Modality = "instruction"
	ModalityQuestion     Modality = "question"
	ModalityConversation Modality = "conversation"
	ModalityCommand      Modality = "command"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	switch m {
	case ModalityInstruction, ModalityQuestion, ModalityConversation, ModalityCommand:
		return true
	}
	return false
}

// Mode is the caller's operating mode.
type Mode string

const (
	ModeDesign    Mode = "design"
	ModeExecution Mode = "execution"
	ModeSandbox   Mode = "sandbox"
)

// Valid reports whether m is a known mode. The empty mode is valid and
// treated as execution.
func (m Mode) Valid() bool {
	switch m {
	case "", ModeDesign, ModeExecution, ModeSandbox:
		return true
	}
	return false
}

// Unit is the Stage 1 output.
type Unit struct {
	// Topics is a set, kept sorted.
	Topics        []string `json:"topics"`
	Entities      []string `json:"entities"`
	ActionSignals []string `json:"action_signals"`
	Modality      Modality `json:"modality"`
	Certainty     float64  `json:"certainty"`
}

// DegradedUnit is returned when no backend produced a result.
func DegradedUnit() Unit {
	return Unit{
		Topics:        []string{},
		Entities:      []string{},
		ActionSignals: []string{},
		Modality:      ModalityConversation,
		Certainty:     0,
	}
}

// Input is what the analyzer sees of a request.
type Input struct {
	Text string
	// Context is a summary of the recent conversation, truncated by the
	// analyzer before any backend sees it.
	Context string
	Mode    Mode
}

// normalize sorts and dedups topics and makes nil slices empty.
func (u Unit) normalize() Unit {
	topics := slices.Clone(u.Topics)
	sort.Strings(topics)
	u.Topics = slices.Compact(topics)
	if u.Topics == nil {
		u.Topics = []string{}
	}
	u.Entities = orderedUnion(u.Entities)
	u.ActionSignals = orderedUnion(u.ActionSignals)
	if !u.Modality.Valid() {
		u.Modality = ModalityConversation
	}
	u.Certainty = clamp01(u.Certainty)
	return u
}

// orderedUnion concatenates lists keeping the first occurrence of each value.
func orderedUnion(lists ...[]string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, l := range lists {
		for _, v := range l {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
