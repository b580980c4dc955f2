// Package ws streams order state changes to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 64

	// maxSubscriptions caps the orders one connection may follow.
	maxSubscriptions = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber is the source of state changes; "" subscribes to every order.
type Subscriber interface {
	Subscribe(orderID string) (<-chan domain.StateChange, func())
}

// client is a single WebSocket connection and the orders it follows.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	subs map[string]func() // orderID -> unsubscribe
}

// controlMsg is a JSON frame sent by the client:
//
//	{"action":"subscribe","orders":["0xabc..."]}
type controlMsg struct {
	Action string   `json:"action"`
	Orders []string `json:"orders"`
}

// envelope wraps every frame sent to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub tracks connected clients and bridges coordinator state changes to them.
type Hub struct {
	source     Subscriber
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	startedAt  time.Time
	logger     *slog.Logger
}

// NewHub creates a Hub fed by source.
func NewHub(source Subscriber, logger *slog.Logger) *Hub {
	return &Hub{
		source:     source,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run handles client registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))
		}
	}
}

// HandleWS upgrades the request and follows the order named by the order_id
// query parameter; without one the client receives every order's changes.
// GET /ws?order_id=...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		subs: make(map[string]func()),
	}
	h.register <- c
	c.subscribe(r.URL.Query().Get("order_id"))
	c.sendJSON(envelope{Type: "relayer_status", Payload: map[string]any{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribe starts forwarding changes for orderID. Repeats are ignored.
func (c *client) subscribe(orderID string) {
	c.mu.Lock()
	if _, ok := c.subs[orderID]; ok || len(c.subs) >= maxSubscriptions {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	changes, cancel := c.hub.source.Subscribe(orderID)
	c.subs[orderID] = cancel
	c.mu.Unlock()

	go func() {
		for change := range changes {
			c.sendJSON(envelope{Type: "state_change", Payload: change})
		}
	}()
}

func (c *client) unsubscribe(orderID string) {
	c.mu.Lock()
	cancel, ok := c.subs[orderID]
	delete(c.subs, orderID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// close drops every subscription and stops the write pump. Only the hub
// calls it, under h.mu.
func (c *client) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

// sendJSON queues v for the write pump, dropping it when the client lags.
func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.logger.Warn("ws: dropping message for slow client")
	}
}

// readPump applies subscribe/unsubscribe control frames until the
// connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		for _, id := range msg.Orders {
			switch msg.Action {
			case "subscribe":
				c.subscribe(id)
			case "unsubscribe":
				c.unsubscribe(id)
			}
		}
	}
}

// writePump sends queued frames as text messages plus periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
