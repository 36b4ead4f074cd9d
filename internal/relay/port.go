package relay

import (
	"context"
	"errors"

	"github.com/matheuscscp/open-finance-portal/internal/constants"
)

var (
	ErrOriginRejected = errors.New("message origin is not allowed")
	ErrUnknownMessage = errors.New("unrecognized message type")
)

// Port delivers callback messages to the single listener of a browser
// session. Messages from origins outside the allowlist or with an unknown
// type are rejected.
type Port struct {
	accepts func(origin string) bool
	ch      chan Message
}

func NewPort(accepts func(origin string) bool) *Port {
	return &Port{
		accepts: accepts,
		ch:      make(chan Message),
	}
}

// Post blocks until the listener takes the message or ctx ends.
func (p *Port) Post(ctx context.Context, origin string, msg Message) error {
	if !p.accepts(origin) {
		return ErrOriginRejected
	}
	if msg.Type != constants.MessageTypeOAuthCallback {
		return ErrUnknownMessage
	}
	select {
	case p.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Port) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
