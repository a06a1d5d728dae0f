package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts clients without an Origin header and browser pages
// served from the loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of type t. A client
// with no subscriptions receives everything.
func (c *WSClient) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type wsMessage struct {
	eventType string
	payload   []byte
}

// WSHub maintains active client connections and broadcasts sync events.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string        `json:"type"`
	Data      syncpkg.Event `json:"data"`
	Timestamp int64         `json:"timestamp"`
}

// NewWSHub creates a hub and starts its dispatch loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, sendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow client: drop it rather than stall the hub.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish forwards a sync event to subscribed clients. It satisfies the
// scheduler's Publisher and is used as a Bus listener.
func (h *WSHub) Publish(ev syncpkg.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	bytes, err := json.Marshal(WSEnvelope{
		Type:      string(ev.Type),
		Data:      ev,
		Timestamp: ts.UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to marshal websocket message", err, map[string]interface{}{
			"event": string(ev.Type),
		})
		return
	}

	select {
	case h.broadcast <- wsMessage{eventType: string(ev.Type), payload: bytes}:
	case <-h.done:
	default:
		logging.Warn("WebSocket broadcast buffer full, dropping event", map[string]interface{}{
			"event": string(ev.Type),
		})
	}
}

// Close disconnects every client and stops the hub.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid websocket message", map[string]interface{}{"error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

// reply queues a direct answer to the client.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket upgrades the request and attaches the client to hub.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
