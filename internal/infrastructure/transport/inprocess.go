package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

// Hub routes envelopes between in-process nodes. It backs tests and
// single-binary simulations; every delivery runs the recipient handler
// synchronously, so the confirmation carries the handler outcome.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*InProcessNode
}

func NewHub() *Hub {
	return &Hub{nodes: map[string]*InProcessNode{}}
}

// Join registers a node for the given private key.
func (h *Hub) Join(priv ed25519.PrivateKey) *InProcessNode {
	node := &InProcessNode{hub: h, priv: priv}
	node.permalink = identityFor(priv)
	h.mu.Lock()
	h.nodes[node.permalink] = node
	h.mu.Unlock()
	return node
}

func (h *Hub) lookup(permalink string) (*InProcessNode, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[permalink]
	return n, ok
}

func identityFor(priv ed25519.PrivateKey) string {
	var probe protocol.Envelope
	probe.Type = protocol.TypeSimpleMessage
	if err := probe.Sign(priv); err != nil {
		return ""
	}
	return probe.Author
}

// InProcessNode is a hub-backed Node.
type InProcessNode struct {
	hub       *Hub
	priv      ed25519.PrivateKey
	permalink string

	mu      sync.RWMutex
	handler Handler
}

func (n *InProcessNode) Identity() string { return n.permalink }

func (n *InProcessNode) Sign(env *protocol.Envelope) error {
	return env.Sign(n.priv)
}

func (n *InProcessNode) Handle(fn Handler) {
	n.mu.Lock()
	n.handler = fn
	n.mu.Unlock()
}

func (n *InProcessNode) Send(ctx context.Context, to string, env protocol.Envelope) (Confirmation, error) {
	if !env.Signed() {
		if err := n.Sign(&env); err != nil {
			return nil, fmt.Errorf("failed to sign outbound message: %w", err)
		}
	}
	peer, ok := n.hub.lookup(to)
	if !ok {
		return nil, ErrUnknownRecipient
	}
	return confirmed(peer.deliver(ctx, env, SenderInfo{Permalink: n.permalink, Transport: "inprocess"})), nil
}

func (n *InProcessNode) deliver(ctx context.Context, env protocol.Envelope, sender SenderInfo) error {
	if err := env.Verify(); err != nil {
		return fmt.Errorf("inbound message failed verification: %w", err)
	}
	n.mu.RLock()
	fn := n.handler
	n.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, env, sender)
}
