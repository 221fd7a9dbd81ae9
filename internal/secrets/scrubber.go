package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) *Result
	IsEnabled() bool
}

// Result describes one scrubbing pass. It never holds a matched value.
type Result struct {
	Scrubbed string         `json:"scrubbed"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Finding is a detected secret without its value.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Source      string `json:"source"` // "rules" or "gitleaks"
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool { return len(r.Findings) > 0 }

// RuleIDs returns the sorted IDs of rules that matched.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type scrubber struct {
	config *Config

	// gitleaks detectors keep per-scan state; serialize access.
	mu       sync.Mutex
	detector *detect.Detector
}

type span struct{ start, end int }

// New creates a Scrubber. A nil config uses DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return &NoopScrubber{}, nil
	}

	extra, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	cfg.AllowList = append(cfg.AllowList, extra...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &scrubber{config: cfg}
	if cfg.Gitleaks {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("creating gitleaks detector: %w", err)
		}
		if len(cfg.compiledAllowList) > 0 {
			allow := &gitleaksConfig.Allowlist{Description: "taskrouter allowlist"}
			for _, re := range cfg.compiledAllowList {
				allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
			}
			detector.Config.Allowlists = append(detector.Config.Allowlists, allow)
		}
		s.detector = detector
	}
	return s, nil
}

// Scrub redacts every finding from content.
func (s *scrubber) Scrub(content string) *Result {
	result := &Result{Scrubbed: content, ByRule: make(map[string]int)}
	var spans []span

	for _, rule := range s.config.compiledRules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.isAllowed(content[m[0]:m[1]]) {
				continue
			}
			result.add(Finding{RuleID: rule.ID, Description: rule.Description, Severity: rule.Severity, Source: "rules"})
			spans = append(spans, span{m[0], m[1]})
		}
	}

	if s.detector != nil {
		spans = append(spans, s.detectGitleaks(content, result)...)
	}

	if len(spans) > 0 {
		result.Scrubbed = redact(content, spans, s.config.RedactionString)
	}
	return result
}

// detectGitleaks locates gitleaks secrets by value; reported columns are
// line-relative and the value itself is unambiguous.
func (s *scrubber) detectGitleaks(content string, result *Result) []span {
	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	var spans []span
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.isAllowed(secret) {
			continue
		}
		found := false
		for off := 0; off < len(content); {
			i := strings.Index(content[off:], secret)
			if i < 0 {
				break
			}
			spans = append(spans, span{off + i, off + i + len(secret)})
			off += i + len(secret)
			found = true
		}
		if found {
			result.add(Finding{RuleID: f.RuleID, Description: f.Description, Severity: "high", Source: "gitleaks"})
		}
	}
	return spans
}

func (s *scrubber) IsEnabled() bool { return true }

func (s *scrubber) isAllowed(match string) bool {
	for _, pattern := range s.config.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

func (r *compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	r.ByRule[f.RuleID]++
}

// redact replaces the union of spans, merging overlaps.
func redact(content string, spans []span, marker string) string {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := []span{spans[0]}
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		merged = append(merged, cur)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(content[prev:sp.start])
		b.WriteString(marker)
		prev = sp.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// NoopScrubber returns content unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result {
	return &Result{Scrubbed: content, ByRule: map[string]int{}}
}

func (NoopScrubber) IsEnabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = NoopScrubber{}
)
