// Package intent implements Stage 2: choosing one registered intent for a
// semantic unit, or the fallback intent when nothing scores high enough.
package intent

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("taskrouter.intent")

// Config holds the scoring parameters.
type Config struct {
	Threshold    float64
	TopicWeight  float64
	ActionWeight float64
	EntityWeight float64

	// ArchitectureBoost caps the bonus an architecture hit can add.
	ArchitectureBoost float64
	ArchitectureTopK  int
	ArchitectureFloor float32
	// ArchitectureTimeout bounds the architecture lookup; on expiry the
	// intent is scored without boosts.
	ArchitectureTimeout time.Duration
}

// DefaultConfig returns the standard weights and threshold.
func DefaultConfig() Config {
	return Config{
		Threshold:         0.35,
		TopicWeight:       0.5,
		ActionWeight:      0.3,
		EntityWeight:      0.2,
		ArchitectureBoost: 0.1,
		ArchitectureTopK:  3,
		ArchitectureFloor: 0.6,

		ArchitectureTimeout: 500 * time.Millisecond,
	}
}

// Score is one intent's score, kept for audit.
type Score struct {
	Intent string  `json:"intent"`
	Score  float64 `json:"score"`
	Boost  float64 `json:"boost,omitempty"`
}

// Resolution is the Stage 2 output.
type Resolution struct {
	Intent     registry.Intent `json:"intent"`
	Confidence float64         `json:"confidence"`
	Fallback   bool            `json:"fallback"`
	// Candidates are the best scoring intents, highest first.
	Candidates []Score `json:"candidates,omitempty"`
}

type preparedIntent struct {
	intent registry.Intent
	tokens map[string]bool
}

type intentIndex struct {
	version uint64
	entries []preparedIntent
}

// Resolver scores intents. It is safe for concurrent use.
type Resolver struct {
	cfg          Config
	architecture vectorstore.Namespace
	logger       *zap.Logger
	metrics      *telemetry.Metrics

	index atomic.Pointer[intentIndex]
}

// NewResolver creates a resolver. architecture may be nil.
func NewResolver(cfg Config, architecture vectorstore.Namespace, logger *zap.Logger, metrics *telemetry.Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ArchitectureTopK <= 0 {
		cfg.ArchitectureTopK = 3
	}
	if cfg.ArchitectureTimeout <= 0 {
		cfg.ArchitectureTimeout = 500 * time.Millisecond
	}
	return &Resolver{cfg: cfg, architecture: architecture, logger: logger, metrics: metrics}
}

// Resolve picks the best active intent in snap. It never fails: without a
// match it returns the fallback intent with confidence 0.
func (r *Resolver) Resolve(ctx context.Context, snap *registry.Snapshot, unit semantic.Unit) Resolution {
	ctx, span := tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()
	start := time.Now()
	defer func() { r.metrics.RecordStage(ctx, "intent", time.Since(start)) }()

	idx := r.prepared(snap)

	topics := tokenSet(unit.Topics)
	actions := tokenSet(unit.ActionSignals)
	entities := tokenSet(unit.Entities)

	boosts := r.architectureBoosts(ctx, unit)

	scores := make([]Score, 0, len(idx.entries))
	for _, p := range idx.entries {
		s := r.cfg.TopicWeight*overlap(topics, p.tokens) +
			r.cfg.ActionWeight*overlap(actions, p.tokens) +
			r.cfg.EntityWeight*overlap(entities, p.tokens)
		if s <= 0 {
			continue
		}
		boost := boosts[p.intent.Name]
		scores = append(scores, Score{Intent: p.intent.Name, Score: min(s+boost, 1), Boost: boost})
	}

	slices.SortFunc(scores, func(a, b Score) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.Intent, b.Intent)
	})
	candidates := scores[:min(len(scores), 3)]

	if len(scores) == 0 || scores[0].Score < r.cfg.Threshold {
		span.SetAttributes(attribute.Bool("intent.fallback", true))
		return Resolution{
			Intent:     registry.FallbackIntent(),
			Confidence: 0,
			Fallback:   true,
			Candidates: candidates,
		}
	}

	best := scores[0]
	intent, _ := snap.Intent(best.Intent)
	span.SetAttributes(attribute.String("intent.name", intent.Name), attribute.Float64("intent.confidence", best.Score))
	return Resolution{Intent: intent, Confidence: best.Score, Candidates: candidates}
}

// prepared returns the tokenized intents for snap, rebuilding the cache
// when the registry version changed.
func (r *Resolver) prepared(snap *registry.Snapshot) *intentIndex {
	if idx := r.index.Load(); idx != nil && idx.version == snap.Version() {
		return idx
	}

	active := snap.ActiveIntents()
	idx := &intentIndex{version: snap.Version(), entries: make([]preparedIntent, 0, len(active))}
	for _, in := range active {
		tokens := map[string]bool{}
		for _, src := range []string{in.Domain, in.Name, in.TargetCapabilityHint} {
			for _, t := range Tokenize(src) {
				tokens[t] = true
			}
		}
		idx.entries = append(idx.entries, preparedIntent{intent: in, tokens: tokens})
	}
	r.index.Store(idx)
	r.logger.Debug("intent index rebuilt", zap.Uint64("registry_version", idx.version), zap.Int("intents", len(idx.entries)))
	return idx
}

// architectureBoosts queries the architecture namespace; each hit naming an
// intent contributes ArchitectureBoost scaled by its similarity.
func (r *Resolver) architectureBoosts(ctx context.Context, unit semantic.Unit) map[string]float64 {
	if r.architecture == nil || r.cfg.ArchitectureBoost <= 0 {
		return nil
	}
	query := strings.Join(slices.Concat(unit.ActionSignals, unit.Topics, unit.Entities), " ")
	if query == "" {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.ArchitectureTimeout)
	defer cancel()
	hits, err := r.architecture.Query(qctx, query, r.cfg.ArchitectureTopK, r.cfg.ArchitectureFloor)
	if err != nil {
		r.logger.Warn("architecture lookup failed", zap.Error(err))
		return nil
	}

	boosts := map[string]float64{}
	for _, h := range hits {
		b := r.cfg.ArchitectureBoost * float64(h.Score)
		for _, name := range stringList(h.Metadata["intents"]) {
			boosts[name] = min(max(boosts[name], b), r.cfg.ArchitectureBoost)
		}
	}
	return boosts
}

// overlap is the fraction of the unit's tokens found among the intent's.
func overlap(unitTokens, intentTokens map[string]bool) float64 {
	if len(unitTokens) == 0 {
		return 0
	}
	n := 0
	for t := range unitTokens {
		if intentTokens[t] {
			n++
		}
	}
	return float64(n) / float64(len(unitTokens))
}

func tokenSet(values []string) map[string]bool {
	set := map[string]bool{}
	for _, v := range values {
		for _, t := range Tokenize(v) {
			set[t] = true
		}
	}
	return set
}

// Tokenize lowercases s and splits it on anything that is not a letter or
// digit in any script. ASCII words are reduced to a crude stem so "editing"
// and "edit" compare equal; other words are kept whole.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		if isASCII(f) {
			f = stem(f)
		}
		out = append(out, f)
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "s"} {
		if s := strings.TrimSuffix(w, suffix); s != w && len(s) >= 3 {
			w = s
			break
		}
	}
	if len(w) >= 4 {
		w = strings.TrimSuffix(w, "e")
	}
	return w
}

// stringList reads a metadata list that may have gone through JSON.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(list, ",")
	}
	return nil
}
