package routingmemory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is where records are published when none is configured.
const DefaultSubject = "taskrouter.records"

// NATSPublisher publishes every record as JSON on "<subject>.<outcome>".
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher publishes on subject.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// Append publishes r.
func (p *NATSPublisher) Append(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	outcome := r.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	if err := p.nc.Publish(p.subject+"."+outcome, data); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

var _ Store = (*NATSPublisher)(nil)
