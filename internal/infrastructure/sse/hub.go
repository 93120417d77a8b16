package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client channel full")
)

// Message is one server-sent event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Client represents an active SSE connection scoped to one user ref.
type Client struct {
	ClientID    string
	UserRef     string
	ConnectedAt time.Time
	MessageChan chan *Message
	closeOnce   sync.Once
}

func NewClient(clientID, userRef string) *Client {
	return &Client{
		ClientID:    clientID,
		UserRef:     userRef,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.MessageChan) })
}

// Hub manages SSE clients and fans session updates out to the parties
// involved. Slow clients drop messages rather than blocking the hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToUser delivers a message to every connection for one user ref.
func (h *Hub) BroadcastToUser(userRef string, msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.UserRef == userRef {
			trySend(c, msg)
		}
	}
}

func (h *Hub) SendToClient(clientID string, msg *Message) error {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, msg) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
