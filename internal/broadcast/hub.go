package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pricer/internal/model"
)

// Wire event names.
const (
	EventPriceUpdate = "price:update"
	EventPriceBatch  = "price:batch"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 64
	maxMessageSize = 512
)

// frame is the envelope every websocket message is wrapped in.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub implements Emitter over gorilla/websocket: live clients subscribe at
// the hub's HTTP endpoint and receive every price:update plus the per-tick
// price:batch. A client that cannot keep up with its send buffer is dropped
// rather than allowed to stall a tick.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway is fronted by the platform's own proxy; origin
			// policy is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Hub: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Hub: client connected", "remote", r.RemoteAddr, "clients", n)

	go h.writePump(c)
	go h.readPump(c)
}

// writePump drains the client's send channel onto the wire.
func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("Hub: write failed, dropping client", "error", err)
			h.drop(c)
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

// readPump discards inbound messages; its job is noticing the close.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// EmitBatch implements Emitter: every update as its own price:update frame,
// then the batch frame, in tick order.
func (h *Hub) EmitBatch(ctx context.Context, batch model.PriceBatch) error {
	msgs := make([][]byte, 0, len(batch.Updates)+1)
	for _, u := range batch.Updates {
		msg, err := json.Marshal(frame{Type: EventPriceUpdate, Data: u})
		if err != nil {
			return fmt.Errorf("encode price update: %w", err)
		}
		msgs = append(msgs, msg)
	}
	msg, err := json.Marshal(frame{Type: EventPriceBatch, Data: batch})
	if err != nil {
		return fmt.Errorf("encode price batch: %w", err)
	}
	msgs = append(msgs, msg)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		for _, m := range msgs {
			select {
			case c.send <- m:
				continue
			default:
			}
			// Slow client; disconnect instead of blocking the tick.
			h.logger.Warn("Hub: client send buffer full, dropping client")
			delete(h.clients, c)
			close(c.send)
			break
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
