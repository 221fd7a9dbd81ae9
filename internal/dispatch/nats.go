package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes agent subjects when a spec names none.
const DefaultSubjectPrefix = "taskrouter.agents"

// NATSRequest is the request-reply envelope sent to an agent.
type NATSRequest struct {
	Capability string `json:"capability"`
	Input      Input  `json:"input"`
}

// NATSReply is the envelope an agent answers with. A non-empty Error fails
// the node.
type NATSReply struct {
	Output
	Error string `json:"error,omitempty"`
}

// NATSProvider invokes capabilities over NATS request-reply on
// "<subject>.<capability>".
type NATSProvider struct {
	nc      *nats.Conn
	subject string
}

// NewNATSProvider creates a provider publishing under subject.
func NewNATSProvider(nc *nats.Conn, subject string) *NATSProvider {
	return &NATSProvider{nc: nc, subject: subject}
}

// Invoke sends one request and waits for the reply or ctx.
func (p *NATSProvider) Invoke(ctx context.Context, capability string, in Input) (Output, error) {
	data, err := json.Marshal(NATSRequest{Capability: capability, Input: in})
	if err != nil {
		return Output{}, fmt.Errorf("marshaling request: %w", err)
	}

	subject := p.subject + "." + capability
	msg, err := p.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Output{}, fmt.Errorf("no agent listening on %s: %w", subject, err)
		}
		return Output{}, fmt.Errorf("request on %s: %w", subject, err)
	}

	var reply NATSReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Output{}, fmt.Errorf("decoding reply: %w", err)
	}
	if reply.Error != "" {
		return Output{}, errors.New(reply.Error)
	}
	return reply.Output, nil
}

var _ Provider = (*NATSProvider)(nil)
