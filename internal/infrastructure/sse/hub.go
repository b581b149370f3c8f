// Package sse streams pipeline events to operations clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradle/tim-bank-sub000/internal/application/bank"
)

const clientBuffer = 16

// Hub fans processed-message events out to connected SSE clients. It
// implements bank.Publisher; Publish never blocks, a slow client drops
// events instead.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan bank.Event
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]chan bank.Event),
		logger:  logger.With().Str("service", "sse").Logger(),
	}
}

// Publish delivers an event to every connected client.
func (h *Hub) Publish(ev bank.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Debug().Str("client", id).Msg("dropping event for slow client")
		}
	}
}

func (h *Hub) register() (string, chan bank.Event) {
	id := uuid.NewString()
	ch := make(chan bank.Event, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP streams events until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := h.register()
	defer h.unregister(id)
	h.logger.Debug().Str("client", id).Msg("sse client connected")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
