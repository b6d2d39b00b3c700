// Package feed fans newly captured records out to live followers.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nomoresecretz/pktscope/common/record"
)

const ClientBuffer = 50 // records

// Hub relays published records to every attached client. Publish never
// blocks; a client whose buffer is full misses records.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*Client),
	}
}

type Client struct {
	ID      uuid.UUID
	Handle  <-chan record.Record
	ch      chan record.Record
	info    string
	parent  *Hub
	dropped atomic.Uint64
}

// Attach registers a new client. info is only used for logging.
func (h *Hub) Attach(info string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan record.Record, ClientBuffer)
	c := &Client{
		ID:     uuid.New(),
		Handle: ch,
		ch:     ch,
		info:   info,
		parent: h,
	}

	if h.closed {
		close(ch)

		return c
	}

	h.clients[c.ID] = c

	slog.Info("feed adding client", "client", info, "id", c.ID)

	return c
}

// Publish relays rec to every attached client.
func (h *Hub) Publish(rec record.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		c.send(rec)
	}
}

// Clients is the number of attached clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Close detaches every client, closing their handles.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for id, c := range h.clients {
		close(c.ch)
		delete(h.clients, id)
	}
}

func (h *Hub) detach(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}

	delete(h.clients, id)
	close(c.ch)
}

// send must be called with the hub read lock held.
func (c *Client) send(rec record.Record) {
	select {
	case c.ch <- rec:
	default:
		c.dropped.Add(1)
		slog.Debug("feed client too slow, dropping record", "client", c.info, "id", rec.ID)
	}
}

// Dropped is the number of records the client missed because its buffer
// was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) String() string {
	return c.info
}

// Close detaches the client from its hub. Safe to call more than once.
func (c *Client) Close() {
	slog.Info("feed client disconnecting", "client", c.info)

	c.parent.detach(c.ID)
}
