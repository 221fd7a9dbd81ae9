package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultMaxActiveIntents bounds the live intent catalogue.
const DefaultMaxActiveIntents = 50

// Mirror receives every published snapshot, e.g. to keep the capability
// namespace in step with the registry.
type Mirror interface {
	Sync(ctx context.Context, prev, next *Snapshot) error
}

// Store publishes versioned registry snapshots.
type Store struct {
	current atomic.Pointer[Snapshot]

	// mu serializes writers; readers only load current.
	mu sync.Mutex

	maxIntents int
	mirror     Mirror
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxActiveIntents overrides DefaultMaxActiveIntents.
func WithMaxActiveIntents(n int) Option {
	return func(s *Store) { s.maxIntents = n }
}

// WithMirror registers a mirror called after every publish.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store at version 0.
func NewStore(opts ...Option) *Store {
	s := &Store{maxIntents: DefaultMaxActiveIntents, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptySnapshot())
	return s
}

// Snapshot returns the current snapshot. Bind it once per request.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Version returns the current snapshot version.
func (s *Store) Version() uint64 {
	return s.current.Load().Version()
}

// ListActive returns the active intents and capabilities of the current
// snapshot.
func (s *Store) ListActive() ([]Intent, []Capability) {
	snap := s.Snapshot()
	return snap.ActiveIntents(), snap.ActiveCapabilities()
}

// UpsertIntent adds or replaces an intent.
func (s *Store) UpsertIntent(ctx context.Context, intent Intent) (*Snapshot, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return s.update(ctx, func(d *Snapshot) error {
		d.intents[intent.Name] = intent.clone()
		return nil
	})
}

// DeactivateIntent marks an intent inactive.
func (s *Store) DeactivateIntent(ctx context.Context, name string) (*Snapshot, error) {
	return s.update(ctx, func(d *Snapshot) error {
		i, ok := d.intents[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrIntentNotFound, name)
		}
		i.Active = false
		d.intents[name] = i
		return nil
	})
}

// UpsertCapability adds or replaces a capability. Changing the input or
// output type of an existing (agent, name) identity is rejected.
func (s *Store) UpsertCapability(ctx context.Context, c Capability) (*Snapshot, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return s.update(ctx, func(d *Snapshot) error {
		if err := checkSignature(d, c); err != nil {
			return err
		}
		d.capabilities[c.Key()] = c.clone()
		return nil
	})
}

// DeactivateCapability marks a capability inactive. Its signature stays
// reserved.
func (s *Store) DeactivateCapability(ctx context.Context, agentID, name string) (*Snapshot, error) {
	return s.update(ctx, func(d *Snapshot) error {
		key := CapabilityKey(agentID, name)
		c, ok := d.capabilities[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrCapabilityNotFound, key)
		}
		c.Active = false
		d.capabilities[key] = c
		return nil
	})
}

// Replace publishes a whole catalogue in one version. Entries missing from
// the new catalogue are kept inactive.
func (s *Store) Replace(ctx context.Context, intents []Intent, caps []Capability) (*Snapshot, error) {
	for i := range intents {
		if err := intents[i].Validate(); err != nil {
			return nil, err
		}
	}
	for i := range caps {
		if err := caps[i].Validate(); err != nil {
			return nil, err
		}
	}

	return s.update(ctx, func(d *Snapshot) error {
		seenIntents := make(map[string]bool, len(intents))
		for _, i := range intents {
			if seenIntents[i.Name] {
				return fmt.Errorf("duplicate intent %s", i.Name)
			}
			seenIntents[i.Name] = true
			d.intents[i.Name] = i.clone()
		}
		for name, i := range d.intents {
			if !seenIntents[name] && i.Active {
				i.Active = false
				d.intents[name] = i
			}
		}

		seenCaps := make(map[string]bool, len(caps))
		for _, c := range caps {
			if seenCaps[c.Key()] {
				return fmt.Errorf("duplicate capability %s", c.Key())
			}
			seenCaps[c.Key()] = true
			if err := checkSignature(d, c); err != nil {
				return err
			}
			d.capabilities[c.Key()] = c.clone()
		}
		for key, c := range d.capabilities {
			if !seenCaps[key] && c.Active {
				c.Active = false
				d.capabilities[key] = c
			}
		}
		return nil
	})
}

func checkSignature(d *Snapshot, c Capability) error {
	prev, ok := d.capabilities[c.Key()]
	if !ok {
		return nil
	}
	if prev.InputType != c.InputType || prev.OutputType != c.OutputType {
		return fmt.Errorf("%w: %s was %s->%s, got %s->%s", ErrSignatureConflict,
			c.Key(), prev.InputType, prev.OutputType, c.InputType, c.OutputType)
	}
	return nil
}

// update applies mutate to a draft of the next version, enforces the
// catalogue limits and publishes it.
func (s *Store) update(ctx context.Context, mutate func(*Snapshot) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	draft := prev.next()
	if err := mutate(draft); err != nil {
		return nil, err
	}
	if n := draft.activeIntentCount(); n > s.maxIntents {
		return nil, fmt.Errorf("%w: %d active, max %d", ErrTooManyIntents, n, s.maxIntents)
	}

	s.current.Store(draft)
	s.logger.Info("registry published",
		zap.Uint64("version", draft.version),
		zap.Int("active_intents", draft.activeIntentCount()),
		zap.Int("capabilities", len(draft.capabilities)),
	)

	// The planner drops retrieval hits that the bound snapshot does not
	// confirm, so a lagging mirror only narrows results.
	if s.mirror != nil {
		if err := s.mirror.Sync(ctx, prev, draft); err != nil {
			s.logger.Warn("registry mirror sync failed", zap.Uint64("version", draft.version), zap.Error(err))
		}
	}
	return draft, nil
}
