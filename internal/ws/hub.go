package ws

import (
	"context"
	"sync"

	"chat-core/internal/observability"
)

// Hub tracks every open connection on this node, including ones already
// superseded in the presence registry but not yet torn down.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	closing bool
	active  sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Add registers a connection. It reports false once Shutdown has begun; the
// caller must then close the connection itself.
func (h *Hub) Add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	if _, ok := h.clients[c.ID()]; !ok {
		observability.IncWSActive()
		h.active.Add(1)
	}
	h.clients[c.ID()] = c
	return true
}

// Remove forgets a connection.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.ID()]; ok && cur == c {
		delete(h.clients, c.ID())
		observability.DecWSActive()
		h.active.Done()
	}
}

// Len returns the number of tracked connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every tracked connection, e.g. on shutdown. Each
// connection's own read loop then unregisters it.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.Close(reason)
	}
}

// Shutdown refuses new connections, closes the tracked ones with reason and
// waits until each has been removed by its own handler, or ctx expires.
func (h *Hub) Shutdown(ctx context.Context, reason string) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.CloseAll(reason)

	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) publishWSError(c *Client, err error) {
	publishWSEvent(context.Background(), c.info, eventError, err.Error())
}
