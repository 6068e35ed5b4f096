package transport

import (
	"context"
	"errors"

	"github.com/meow-io/go-chatmail/envelope"
)

// ErrPermanent marks a send that must not be retried, such as a rejected recipient.
var ErrPermanent = errors.New("transport: permanent failure")

// ErrUnavailable is returned for sends on a transport that is not configured.
var ErrUnavailable = errors.New("transport: not available")

// Inbound is one raw message as a listener received it. When Ack is set, the receiver calls it
// exactly once after the message has been processed, with the processing error if any.
type Inbound struct {
	Transport   envelope.Transport
	TransportID string
	Raw         []byte
	Ack         func(error)
}

func (in *Inbound) Done(err error) {
	if in.Ack != nil {
		in.Ack(err)
	}
}

// Outbound is one delivery attempt of a logical message over one transport.
type Outbound struct {
	LogicalID  string
	Transport  envelope.Transport
	From       string
	Recipients []string
	Payload    []byte
}

// Receiver takes inbound messages from listeners. A nil error means the message was accepted and
// Ack will be called; any other error means it was not.
type Receiver func(ctx context.Context, in *Inbound) error

type Sender interface {
	Send(ctx context.Context, out *Outbound) error
}

// Listener is a long running receive loop.
type Listener interface {
	Start() error
	Shutdown() error
}
