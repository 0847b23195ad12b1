// Package relay is the in-memory reference implementation of the engine's
// external interfaces: per-channel message log, websocket fan-out per topic,
// and the HTTP API for history, durable writes, uploads and access checks.
// It exists so the engine runs end to end with zero external services.
package relay

import (
	"context"
	"sync"

	"github.com/chatsync/internal/feed"
	"github.com/chatsync/internal/logger"
)

type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect clients under the lock; network I/O happens outside it.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.rooms {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("relay connection limit reached (%d), rejecting topic=%s", h.maxConns, c.topic)
		c.Close()
		return
	}
	if _, ok := h.rooms[c.topic]; !ok {
		h.rooms[c.topic] = make(map[*Client]struct{})
	}
	h.rooms[c.topic][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[c.topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.rooms, c.topic)
	}
	h.mu.Unlock()

	c.Close()
}

// HandleEvent dispatches an inbound client event. Only cooperative signals
// are accepted over the socket; durable writes go through the HTTP API.
// Unknown kinds are dropped, mirroring the tolerance the engine itself has.
func (h *Hub) HandleEvent(c *Client, ev feed.Event) {
	switch ev.Type {
	case feed.EventTyping:
		// The typing author never needs their own signal back.
		h.broadcast(c.topic, ev, c)
	case feed.EventReactionAdded, feed.EventReactionRemoved:
		// Reactions go to everyone including the origin; the engine's
		// duplicate check absorbs the echo.
		h.broadcast(c.topic, ev, nil)
	default:
	}
}

// Broadcast fans an event out to every subscriber of a topic.
func (h *Hub) Broadcast(topic string, ev feed.Event) {
	h.broadcast(topic, ev, nil)
}

func (h *Hub) broadcast(topic string, ev feed.Event, skip *Client) {
	h.mu.RLock()
	clients := h.rooms[topic]
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev feed.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, drop the slow client.
		logger.Errorf("relay send buffer full, closing slow client topic=%s", c.topic)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
