package ws

import (
	"encoding/json"
	"sync"
)

// Client is a single WebSocket connection subscribed to one account reference.
type Client struct {
	CallerID  string
	Admin     bool // receives events for every caller's payments
	Reference string
	Send      chan []byte
	Hub       *Hub // set so Close() can unregister
	mu        sync.Mutex
	closed    bool
}

func NewClient(callerID, reference string) *Client {
	return &Client{CallerID: callerID, Reference: reference, Send: make(chan []byte, 16)}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.Hub != nil {
		c.Hub.unregister(c)
	}
	close(c.Send)
}

// deliver drops the message if the client is slow or gone.
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Hub fans payment status events out to the clients watching a reference.
type Hub struct {
	mu    sync.RWMutex
	byRef map[string]map[*Client]struct{}
	count int
}

func NewHub() *Hub {
	return &Hub{byRef: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.Hub = h
	if h.byRef[c.Reference] == nil {
		h.byRef[c.Reference] = make(map[*Client]struct{})
	}
	if _, ok := h.byRef[c.Reference][c]; !ok {
		h.byRef[c.Reference][c] = struct{}{}
		h.count++
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.byRef[c.Reference]; m != nil {
		if _, ok := m[c]; ok {
			delete(m, c)
			h.count--
		}
		if len(m) == 0 {
			delete(h.byRef, c.Reference)
		}
	}
}

// Publish sends payload to the clients watching reference that may see callerID's
// payments: callerID itself and admins.
func (h *Hub) Publish(reference, callerID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	m := h.byRef[reference]
	clients := make([]*Client, 0, len(m))
	for c := range m {
		if c.Admin || c.CallerID == callerID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.deliver(data)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
