// Package api is the client-facing surface: the per-account WebSocket
// broadcaster, the portfolio REST endpoints, and health/metrics.
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wealthcore/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

type envelope struct {
	key  string
	data []byte
}

// Hub tracks connected sockets per account key and fans snapshots out to
// them. Delivery is at-most-once: a client that cannot keep up is dropped
// rather than back-pressuring the publisher.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]map[*Client]bool

	logger *slog.Logger
}

// NewHub creates the broadcaster hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub's owner loop; call it in a goroutine. On ctx cancellation
// every connected client is closed with a going-away frame.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.key] == nil {
				h.clients[client.key] = make(map[*Client]bool)
			}
			h.clients[client.key][client] = true
			h.mu.Unlock()
			metrics.WSConnections.Inc()
			h.logger.Info("client connected", "account_key", client.key, "count", h.ConnectionCount())

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "account_key", client.key, "count", h.ConnectionCount())

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.key] {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop it, the on-connect snapshot
					// covers the reconnect.
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes a client and signals its pumps to stop. Caller holds h.mu.
// send is never closed: producers outside the hub loop (the readPump pong,
// the on-connect replay) may still be writing to it.
func (h *Hub) drop(client *Client) {
	registered := h.clients[client.key]
	if !registered[client] {
		return
	}
	delete(registered, client)
	if len(registered) == 0 {
		delete(h.clients, client.key)
	}
	close(client.done)
	metrics.WSConnections.Dec()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, registered := range h.clients {
		for client := range registered {
			close(client.done)
			metrics.WSConnections.Dec()
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}

// Broadcast queues a message for every socket registered under key.
// Non-blocking: when the hub loop is saturated the message is dropped, the
// next recompute supersedes it anyway.
func (h *Hub) Broadcast(key string, data []byte) {
	select {
	case h.broadcast <- envelope{key: key, data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping snapshot", "account_key", key)
	}
}

// ConnectionCount is the number of open sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, registered := range h.clients {
		total += len(registered)
	}
	return total
}

// AccountCount is the number of distinct account keys with at least one
// socket.
func (h *Hub) AccountCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one connected WebSocket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	key  string
	send chan []byte
	done chan struct{} // closed exactly once, when the hub removes the client
}

// NewClient registers the connection under its account key and starts the
// read and write pumps.
func NewClient(hub *Hub, conn *websocket.Conn, key string) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		key:  key,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		close(client.done)
		conn.Close()
		return client
	}

	go client.writePump()
	go client.readPump()
	return client
}

// Send queues one message for this client. Non-blocking: the message is
// dropped when the buffer is full or the hub has already dropped the
// client. Safe to call from any goroutine at any point in the client's
// life.
func (c *Client) Send(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

// writePump serializes all writes to the connection: queued snapshots plus
// the keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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

// readPump consumes inbound frames. Clients only ever send the text
// liveness probe "ping"; everything else is ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "account_key", c.key, "error", err)
			}
			return
		}
		if string(message) == "ping" {
			c.Send([]byte("pong"))
		}
	}
}
