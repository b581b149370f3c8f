package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tradle/tim-bank-sub000/internal/protocol"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsMaxMessage    = 1 << 20
	senderRateLimit = rate.Limit(20) // messages per second per sender
	senderBurst     = 40
)

// WebSocketNode serves the bank side of the websocket wire. Counterparties
// connect, send signed envelopes, and receive replies on the same
// connection. Routing is keyed by the verified identity permalink of the
// first message on a connection.
type WebSocketNode struct {
	priv      ed25519.PrivateKey
	permalink string
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu       sync.RWMutex
	handler  Handler
	conns    map[string]*wsConn
	limiters map[string]*rate.Limiter
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func NewWebSocketNode(priv ed25519.PrivateKey, logger zerolog.Logger) *WebSocketNode {
	return &WebSocketNode{
		priv:      priv,
		permalink: identityFor(priv),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logger.With().Str("service", "transport").Logger(),
		conns:    map[string]*wsConn{},
		limiters: map[string]*rate.Limiter{},
	}
}

func (n *WebSocketNode) Identity() string { return n.permalink }

func (n *WebSocketNode) Sign(env *protocol.Envelope) error {
	return env.Sign(n.priv)
}

func (n *WebSocketNode) Handle(fn Handler) {
	n.mu.Lock()
	n.handler = fn
	n.mu.Unlock()
}

func (n *WebSocketNode) Send(ctx context.Context, to string, env protocol.Envelope) (Confirmation, error) {
	if !env.Signed() {
		if err := n.Sign(&env); err != nil {
			return nil, fmt.Errorf("failed to sign outbound message: %w", err)
		}
	}
	n.mu.RLock()
	conn, ok := n.conns[to]
	n.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownRecipient
	}
	return confirmed(conn.writeJSON(env)), nil
}

// ServeHTTP upgrades a counterparty connection and pumps inbound envelopes
// into the registered handler.
func (n *WebSocketNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(wsMaxMessage)
	wc := &wsConn{conn: conn}
	var peer string
	defer func() {
		conn.Close()
		if peer != "" {
			n.mu.Lock()
			if n.conns[peer] == wc {
				delete(n.conns, peer)
			}
			n.mu.Unlock()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			n.logger.Warn().Err(err).Msg("malformed websocket payload")
			continue
		}
		if err := env.Verify(); err != nil {
			n.logger.Warn().Err(err).Msg("unverifiable websocket message")
			continue
		}
		if !n.allow(env.Author) {
			n.logger.Warn().Str("sender", env.Author).Msg("sender rate limited, dropping message")
			continue
		}
		if peer == "" {
			peer = env.Author
			n.mu.Lock()
			n.conns[peer] = wc
			n.mu.Unlock()
		}

		n.mu.RLock()
		fn := n.handler
		n.mu.RUnlock()
		if fn == nil {
			continue
		}
		if err := fn(r.Context(), env, SenderInfo{Permalink: env.Author, Transport: "websocket"}); err != nil {
			n.logger.Error().Err(err).
				Str("sender", env.Author).
				Str("type", string(env.Type)).
				Msg("inbound message processing failed")
		}
	}
}

func (n *WebSocketNode) allow(sender string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	lim, ok := n.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(senderRateLimit, senderBurst)
		n.limiters[sender] = lim
	}
	return lim.Allow()
}
