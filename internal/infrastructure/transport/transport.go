// Package transport adapts the opaque peer-to-peer messaging collaborator.
// The bank core never inspects wire bytes; it operates on parsed, verified
// envelopes handed over by a Node implementation.
package transport

import (
	"context"
	"errors"

	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// ErrUnknownRecipient is returned when no route exists for a permalink.
var ErrUnknownRecipient = errors.New("transport: unknown recipient")

// Handler consumes one verified inbound envelope. SenderInfo carries
// transport-level hints about the connection the message arrived on.
type Handler func(ctx context.Context, env protocol.Envelope, sender SenderInfo) error

// SenderInfo identifies the wire-level source of a message.
type SenderInfo struct {
	Permalink string // verified identity permalink
	Transport string // "inprocess", "websocket", "http"
}

// Confirmation resolves when the transport confirms delivery. A nil error
// means the recipient acknowledged the message.
type Confirmation <-chan error

// Node is the messaging collaborator contract the bank core consumes.
type Node interface {
	// Identity returns this node's own permalink.
	Identity() string
	// Sign signs an envelope with this node's key, filling link/permalink.
	Sign(env *protocol.Envelope) error
	// Send transmits a signed envelope to a permalink. The returned
	// confirmation resolves on delivery acknowledgement.
	Send(ctx context.Context, to string, env protocol.Envelope) (Confirmation, error)
	// Handle registers the inbound message consumer. Must be called before
	// the node starts delivering.
	Handle(fn Handler)
}

func confirmed(err error) Confirmation {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
