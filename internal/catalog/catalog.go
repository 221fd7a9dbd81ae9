// Package catalog loads the administrative catalog: the intents,
// capabilities, provider agents, architecture notes and policy entries the
// engine routes against, and the caller grants the policy gate enforces.
//
// A catalog file is YAML. Loading it replaces the registry contents with a
// new version and re-indexes the architecture and policy namespaces; a
// Watcher reloads the file when it changes.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxCatalogFileSize = 4 * 1024 * 1024

var (
	ErrInvalidCatalog  = errors.New("invalid catalog")
	ErrCatalogTooLarge = errors.New("catalog file too large")
)

// Note is an architecture note. Notes mentioning intents raise those
// intents' scores when a request is similar to the note.
type Note struct {
	ID      string   `json:"id" koanf:"id"`
	Content string   `json:"content" koanf:"content"`
	Intents []string `json:"intents,omitempty" koanf:"intents"`
}

// Catalog is one parsed catalog file.
type Catalog struct {
	Version      string                `json:"version" koanf:"version"`
	Intents      []registry.Intent     `json:"intents" koanf:"-"`
	Capabilities []registry.Capability `json:"capabilities" koanf:"-"`
	Agents       []dispatch.Spec       `json:"agents" koanf:"agents"`
	Architecture []Note                `json:"architecture" koanf:"architecture"`
	Policies     []policy.Entry        `json:"policies" koanf:"policies"`
	Callers      []policy.Grant        `json:"callers" koanf:"callers"`
}

// Load reads and parses the catalog file at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	if info.Size() > maxCatalogFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrCatalogTooLarge, info.Size(), maxCatalogFileSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxCatalogFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if len(data) > maxCatalogFileSize {
		return nil, ErrCatalogTooLarge
	}
	return Parse(data)
}

// Parse decodes YAML catalog bytes. Intents and capabilities without an
// explicit "active" key are active.
func Parse(data []byte) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	var c Catalog
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	for i, sub := range k.Slices("intents") {
		var in registry.Intent
		if err := sub.Unmarshal("", &in); err != nil {
			return nil, fmt.Errorf("%w: intents[%d]: %v", ErrInvalidCatalog, i, err)
		}
		if !sub.Exists("active") {
			in.Active = true
		}
		c.Intents = append(c.Intents, in)
	}
	for i, sub := range k.Slices("capabilities") {
		var cp registry.Capability
		if err := sub.Unmarshal("", &cp); err != nil {
			return nil, fmt.Errorf("%w: capabilities[%d]: %v", ErrInvalidCatalog, i, err)
		}
		if !sub.Exists("active") {
			cp.Active = true
		}
		c.Capabilities = append(c.Capabilities, cp)
	}
	return &c, nil
}

// Validate normalizes every entry and reports all problems at once.
func (c *Catalog) Validate() error {
	var errs []error

	intents := map[string]bool{}
	for i := range c.Intents {
		in := &c.Intents[i]
		if err := in.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if intents[in.Name] {
			errs = append(errs, fmt.Errorf("duplicate intent %s", in.Name))
		}
		intents[in.Name] = true
	}

	caps := map[string]registry.Capability{}
	for i := range c.Capabilities {
		cp := &c.Capabilities[i]
		if err := cp.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := caps[cp.Key()]; dup {
			errs = append(errs, fmt.Errorf("duplicate capability %s", cp.Key()))
		}
		caps[cp.Key()] = *cp
	}

	agents := map[string]bool{}
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if agents[a.AgentID] {
			errs = append(errs, fmt.Errorf("duplicate agent %s", a.AgentID))
		}
		agents[a.AgentID] = true
	}

	notes := map[string]bool{}
	for _, n := range c.Architecture {
		switch {
		case n.ID == "":
			errs = append(errs, errors.New("architecture note without id"))
		case strings.TrimSpace(n.Content) == "":
			errs = append(errs, fmt.Errorf("architecture note %s has no content", n.ID))
		case notes[n.ID]:
			errs = append(errs, fmt.Errorf("duplicate architecture note %s", n.ID))
		}
		notes[n.ID] = true
		for _, name := range n.Intents {
			if !intents[name] && name != registry.FallbackIntentName {
				errs = append(errs, fmt.Errorf("architecture note %s names unknown intent %s", n.ID, name))
			}
		}
	}

	policies := map[string]bool{}
	for i := range c.Policies {
		e := &c.Policies[i]
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if policies[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate policy %s", e.ID))
		}
		policies[e.ID] = true
	}

	callers := map[string]bool{}
	for _, g := range c.Callers {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if callers[g.Caller] {
			errs = append(errs, fmt.Errorf("duplicate caller %s", g.Caller))
		}
		callers[g.Caller] = true
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	return nil
}
