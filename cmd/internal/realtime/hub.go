package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub owns the set of live websocket clients, registered or not.
// The claim registry only knows registered connections; the Hub is what lets
// shutdown reach every open socket.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Add tracks client under its handle.
func (h *Hub) Add(c *Client) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	h.clients[c.Handle()] = c
	h.mu.Unlock()
}

// Remove stops tracking handle.
func (h *Hub) Remove(handle string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.clients, handle)
	h.mu.Unlock()
}

// Len returns the number of live clients.
func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll terminates every live client and returns how many were signalled.
func (h *Hub) CloseAll(reason string) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		c.Terminate(reason)
	}
	if len(snapshot) > 0 {
		h.log.Info("ws.hub.close_all", "count", len(snapshot), "reason", reason)
	}
	return len(snapshot)
}

// WaitEmpty blocks until every client has finished its release or ctx ends.
func (h *Hub) WaitEmpty(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for h.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
