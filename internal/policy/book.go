package policy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync/atomic"
)

// ErrInvalidGrant is returned for malformed caller grants.
var ErrInvalidGrant = errors.New("invalid caller grant")

// AnyCaller is the grant id applied to callers without their own grant.
const AnyCaller = "*"

// Grant lists the agents (globs allowed) one caller may invoke.
type Grant struct {
	Caller string   `json:"id" koanf:"id"`
	Agents []string `json:"allowed_agents" koanf:"allowed_agents"`
}

// Validate checks a grant.
func (g Grant) Validate() error {
	if g.Caller == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidGrant)
	}
	if len(g.Agents) == 0 {
		return fmt.Errorf("%w: %s: allowed_agents is required", ErrInvalidGrant, g.Caller)
	}
	for _, p := range g.Agents {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%w: %s: bad agent pattern %q", ErrInvalidGrant, g.Caller, p)
		}
	}
	return nil
}

type edition struct {
	entries []Entry
	grants  map[string][]string
}

// Book is the server-side policy state published by the catalog: the policy
// entries and the caller grants. Readers see one whole edition; Replace
// swaps it atomically.
type Book struct {
	current atomic.Pointer[edition]
}

// NewBook returns an empty book. An empty book has no entries and leaves
// every caller unrestricted.
func NewBook() *Book {
	b := &Book{}
	b.current.Store(&edition{})
	return b
}

// Replace validates entries and grants and publishes them together. On
// error the previous edition stays.
func (b *Book) Replace(entries []Entry, grants []Grant) error {
	next := &edition{
		entries: make([]Entry, 0, len(entries)),
		grants:  make(map[string][]string, len(grants)),
	}
	var errs []error
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		next.entries = append(next.entries, e)
	}
	for _, g := range grants {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := next.grants[g.Caller]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate caller %s", ErrInvalidGrant, g.Caller))
			continue
		}
		next.grants[g.Caller] = slices.Clone(g.Agents)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	b.current.Store(next)
	return nil
}

// Lookup returns every entry whose scope covers n.
func (b *Book) Lookup(_ context.Context, n Node) ([]Entry, error) {
	var out []Entry
	for _, e := range b.current.Load().entries {
		if e.Covers(n) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AllowedAgents returns the agent patterns callerID may invoke. restricted
// is false when no grants are published. A caller without its own grant
// falls back to the AnyCaller grant, and to no agents without one.
func (b *Book) AllowedAgents(callerID string) (patterns []string, restricted bool) {
	grants := b.current.Load().grants
	if len(grants) == 0 {
		return nil, false
	}
	if p, ok := grants[callerID]; ok {
		return p, true
	}
	return grants[AnyCaller], true
}

var _ PolicySource = (*Book)(nil)
