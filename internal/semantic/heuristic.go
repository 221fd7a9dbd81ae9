package semantic

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

var (
	wordPattern   = regexp.MustCompile(`[\p{L}\p{N}_][\p{L}\p{N}_.\-/]*`)
	quotedPattern = regexp.MustCompile("[\"'`]([^\"'`]{2,80})[\"'`]")
	// identifiers: snake_case, dotted names, paths, CamelCase
	identifierPattern = regexp.MustCompile(`^([a-z0-9]+(_[a-z0-9]+)+|[\w-]+\.[a-z0-9]{1,5}|[\w.-]*/[\w./-]+|[A-Z][a-z0-9]+[A-Z]\w*)$`)
)

// defaultActionVerbs seeds action-signal detection.
var defaultActionVerbs = []string{
	"add", "analyze", "build", "change", "check", "classify", "compare", "convert",
	"create", "debug", "delete", "deploy", "design", "draft", "edit", "execute",
	"explain", "export", "extract", "find", "fix", "generate", "import", "index",
	"list", "merge", "migrate", "move", "patch", "plan", "publish", "refactor",
	"remove", "rename", "review", "rewrite", "run", "schedule", "search", "send",
	"show", "summarize", "test", "transform", "translate", "update", "upload",
	"validate", "write",
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"but": true, "by": true, "can": true, "could": true, "do": true, "does": true,
	"for": true, "from": true, "have": true, "how": true, "i": true, "in": true,
	"into": true, "is": true, "it": true, "its": true, "me": true, "my": true,
	"of": true, "on": true, "or": true, "our": true, "please": true, "should": true,
	"so": true, "that": true, "the": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "this": true, "to": true, "us": true, "was": true,
	"we": true, "what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "will": true, "with": true, "would": true, "you": true, "your": true,
	"all": true, "any": true, "some": true, "just": true, "now": true, "also": true,
	"hi": true, "hello": true, "thanks": true, "thank": true, "ok": true, "okay": true,
}

var questionStarters = map[string]bool{
	"what": true, "why": true, "how": true, "when": true, "where": true, "who": true,
	"which": true, "is": true, "are": true, "can": true, "could": true, "does": true,
	"do": true, "should": true, "would": true, "will": true,
}

// HeuristicBackend extracts a unit lexically. It needs no network and is
// always available.
type HeuristicBackend struct {
	actions map[string]bool
}

// NewHeuristicBackend creates the backend. Extra action verbs extend the
// built-in list.
func NewHeuristicBackend(extraActions ...string) *HeuristicBackend {
	actions := make(map[string]bool, len(defaultActionVerbs)+len(extraActions))
	for _, v := range defaultActionVerbs {
		actions[v] = true
	}
	for _, v := range extraActions {
		actions[strings.ToLower(v)] = true
	}
	return &HeuristicBackend{actions: actions}
}

// Name returns "heuristic".
func (h *HeuristicBackend) Name() string { return "heuristic" }

// Analyze extracts the unit from in.Text; in.Context only contributes topics.
func (h *HeuristicBackend) Analyze(ctx context.Context, in Input) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}

	text := strings.TrimSpace(in.Text)
	words := wordPattern.FindAllString(text, -1)

	var (
		topics   []string
		entities []string
		actions  []string
	)

	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		entities = append(entities, strings.TrimSpace(m[1]))
	}

	for i, raw := range words {
		word := strings.Trim(raw, ".-/")
		if word == "" {
			continue
		}
		lower := strings.ToLower(word)

		if identifierPattern.MatchString(word) || (i > 0 && isCapitalized(word) && !stopwords[lower]) {
			entities = append(entities, word)
		}
		if stopwords[lower] {
			continue
		}
		if verb, ok := h.actionStem(lower); ok {
			actions = append(actions, verb)
			continue
		}
		if len(lower) >= 3 {
			topics = append(topics, splitIdentifier(lower)...)
		}
	}

	for _, raw := range wordPattern.FindAllString(in.Context, -1) {
		lower := strings.ToLower(strings.Trim(raw, ".-/"))
		if len(lower) >= 3 && !stopwords[lower] {
			if _, ok := h.actionStem(lower); !ok {
				topics = append(topics, splitIdentifier(lower)...)
			}
		}
	}

	modality, certainty := h.classify(text, words, actions)
	return Unit{
		Topics:        topics,
		Entities:      entities,
		ActionSignals: actions,
		Modality:      modality,
		Certainty:     certainty,
	}.normalize(), nil
}

// actionStem matches verbs and their common inflections.
func (h *HeuristicBackend) actionStem(word string) (string, bool) {
	if h.actions[word] {
		return word, true
	}
	for _, suffix := range []string{"ing", "ed", "es", "s", "e"} {
		stem := strings.TrimSuffix(word, suffix)
		if stem == word || len(stem) < 3 {
			continue
		}
		if h.actions[stem] {
			return stem, true
		}
		if h.actions[stem+"e"] {
			return stem + "e", true
		}
	}
	return "", false
}

func (h *HeuristicBackend) classify(text string, words, actions []string) (Modality, float64) {
	if text == "" {
		return ModalityConversation, 0.1
	}
	if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
		return ModalityCommand, 0.9
	}

	first := ""
	for _, w := range words {
		lw := strings.ToLower(w)
		if lw != "please" {
			first = lw
			break
		}
	}

	if strings.HasSuffix(text, "?") || (questionStarters[first] && len(actions) == 0) {
		return ModalityQuestion, 0.85
	}
	if _, ok := h.actionStem(first); ok {
		return ModalityInstruction, 0.8
	}
	if questionStarters[first] {
		// "can you generate ..." style requests
		return ModalityInstruction, 0.6
	}
	if len(actions) > 0 {
		return ModalityInstruction, 0.55
	}
	return ModalityConversation, 0.4
}

func isCapitalized(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

// splitIdentifier expands snake_case and dotted identifiers into their parts
// alongside the whole word.
func splitIdentifier(word string) []string {
	parts := strings.FieldsFunc(word, func(r rune) bool { return r == '_' || r == '.' || r == '-' || r == '/' })
	if len(parts) <= 1 {
		return []string{word}
	}
	out := []string{word}
	for _, p := range parts {
		if len(p) >= 3 && !stopwords[p] {
			out = append(out, p)
		}
	}
	return out
}

var _ Backend = (*HeuristicBackend)(nil)
