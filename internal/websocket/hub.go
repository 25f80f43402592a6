// Package websocket pushes event bus traffic to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/logging"
)

// Message is the envelope sent to clients
type Message struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event,omitempty"`
	MsgID string        `json:"msgId,omitempty"`
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Registered clients map: ClientID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	logger *slog.Logger

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		logger:     logging.OrDiscard(logger),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			// a client identifying again replaces its old connection
			if old, ok := h.clients[client.ID]; ok && old != client {
				close(old.send)
			}
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", slog.String("client", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[client.ID]; ok && cur == client {
				delete(h.clients, client.ID)
				close(client.send)
				h.logger.Debug("websocket client disconnected", slog.String("client", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues v for every connected client. It reports false when the
// broadcast buffer is full.
func (h *Hub) Broadcast(v interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal broadcast failed", slog.String("error", err.Error()))
		return false
	}
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.logger.Warn("broadcast buffer full, message dropped")
		return false
	}
}

// SendTo sends a message to a specific client
func (h *Hub) SendTo(clientID string, v interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal message failed", slog.String("error", err.Error()))
		return false
	}

	// the read lock keeps Run from closing send meanwhile
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	select {
	case client.send <- msg:
		return true
	default:
		// Buffer full or client dead
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Bridge forwards every event published on bus to the connected clients
func (h *Hub) Bridge(bus *events.Bus) []*events.Subscription {
	return bus.SubscribeAll(func(e events.Event) error {
		h.Broadcast(Message{Type: "event", Event: &e})
		return nil
	})
}
