package semantic

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/llm"
)

const analyzePrompt = `Extract the semantic structure of the user request below.

Respond with a JSON object only:
{"topics": [...], "entities": [...], "action_signals": [...], "modality": "instruction|question|conversation|command", "certainty": 0.0-1.0}

- topics: short lowercase subject keywords
- entities: named things (files, documents, systems, people), in order of appearance
- action_signals: lowercase verbs the user wants performed, in order
- Do not name agents, tools or intents.`

// LLMBackend asks a language model for the unit.
type LLMBackend struct {
	model llm.Backend
}

// NewLLMBackend wraps model.
func NewLLMBackend(model llm.Backend) *LLMBackend {
	return &LLMBackend{model: model}
}

// Name returns "llm/<model backend>".
func (b *LLMBackend) Name() string { return "llm/" + b.model.Name() }

type llmUnit struct {
	Topics        []string `json:"topics"`
	Entities      []string `json:"entities"`
	ActionSignals []string `json:"action_signals"`
	Modality      string   `json:"modality"`
	Certainty     float64  `json:"certainty"`
}

// Analyze prompts the model and parses its JSON answer.
func (b *LLMBackend) Analyze(ctx context.Context, in Input) (Unit, error) {
	var prompt strings.Builder
	if in.Mode != "" {
		fmt.Fprintf(&prompt, "Mode: %s\n", in.Mode)
	}
	if in.Context != "" {
		fmt.Fprintf(&prompt, "Recent context:\n%s\n\n", in.Context)
	}
	fmt.Fprintf(&prompt, "Request:\n%s", in.Text)

	resp, err := b.model.Generate(ctx, prompt.String(), llm.Constraints{
		System:      analyzePrompt,
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return Unit{}, fmt.Errorf("semantic llm backend: %w", err)
	}

	var parsed llmUnit
	if err := llm.DecodeJSON(resp.Text, &parsed); err != nil {
		return Unit{}, fmt.Errorf("semantic llm backend: %w", err)
	}
	modality := Modality(strings.ToLower(strings.TrimSpace(parsed.Modality)))
	if !modality.Valid() {
		return Unit{}, fmt.Errorf("semantic llm backend: unknown modality %q", parsed.Modality)
	}

	return Unit{
		Topics:        lowerAll(parsed.Topics),
		Entities:      parsed.Entities,
		ActionSignals: lowerAll(parsed.ActionSignals),
		Modality:      modality,
		Certainty:     parsed.Certainty,
	}.normalize(), nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var _ Backend = (*LLMBackend)(nil)
