package routingmemory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Fanout appends to a primary store and mirrors to secondary sinks. Only
// the primary decides whether the append succeeded; secondary failures are
// logged.
type Fanout struct {
	primary   Store
	secondary []Store
	logger    *zap.Logger
}

// NewFanout creates a fan-out store.
func NewFanout(logger *zap.Logger, primary Store, secondary ...Store) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{primary: primary, secondary: secondary, logger: logger}
}

// Append writes to the primary, then to each secondary.
func (f *Fanout) Append(ctx context.Context, r Record) error {
	if err := f.primary.Append(ctx, r); err != nil {
		return fmt.Errorf("appending record %s: %w", r.RecordID, err)
	}
	for _, s := range f.secondary {
		if err := s.Append(ctx, r); err != nil {
			f.logger.Warn("routing memory sink failed",
				zap.String("record_id", r.RecordID),
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Error(err))
		}
	}
	return nil
}

var _ Store = (*Fanout)(nil)
