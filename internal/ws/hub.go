package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// OpHandler processes one inbound gateway operation.
type OpHandler interface {
	Handle(ctx context.Context, conn *Conn, op, msgID string, data json.RawMessage)
}

// Hub manages WebSocket connections and channel subscriptions
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]bool
	subs    map[string]map[*Conn]bool // channel -> connections
	publish chan Event
	handler OpHandler
	log     *zap.Logger
	ctx     context.Context
}

// Conn represents a WebSocket connection
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
	subs   map[string]bool // subscribed channels
	closed bool            // guarded by hub.mu; set once by unregister
	ctx    context.Context
}

// UserID returns the authenticated identity bound at upgrade time, or
// "anonymous".
func (c *Conn) UserID() string {
	return c.userID
}

// Event represents a message to be published
type Event struct {
	Channel string
	Message map[string]interface{}
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, 256),
		log:     log,
		ctx:     context.Background(),
	}
}

// SetOpHandler sets the handler for inbound gateway operations.
func (h *Hub) SetOpHandler(handler OpHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Run starts the hub's event loop. Sends happen under the read lock:
// unregister is the only closer of a send channel and takes the write
// lock, so a close can never interleave with a send here.
func (h *Hub) Run() {
	for event := range h.publish {
		var msg []byte
		var slow []*Conn

		h.mu.RLock()
		if subs := h.subs[event.Channel]; len(subs) > 0 {
			msg, _ = json.Marshal(event.Message)
			for conn := range subs {
				select {
				case conn.send <- msg:
				default:
					slow = append(slow, conn)
				}
			}
		}
		h.mu.RUnlock()

		// Slow consumers are dropped outside the read lock.
		for _, conn := range slow {
			h.log.Warn("Dropping slow consumer", zap.String("user_id", conn.userID))
			h.unregister(conn)
		}
	}
}

// Register adds a new connection to the hub
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.closed {
		return
	}
	h.conns[conn] = true
}

// unregister removes a connection and closes its send channel. Safe
// against concurrent broadcasts: holding the write lock here excludes
// every sender, and the closed flag keeps the channel out of any later
// send.
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.closed {
		return
	}
	conn.closed = true
	delete(h.conns, conn)
	close(conn.send)
	for channel := range conn.subs {
		if subs := h.subs[channel]; subs != nil {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(h.subs, channel)
			}
		}
	}
}

// Subscribe adds a connection to a channel
func (h *Hub) Subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.closed {
		return
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

// Unsubscribe removes a connection from a channel
func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Publish sends an event to all subscribers of a channel
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// NewConn creates a new connection
func NewConn(ws *websocket.Conn, hub *Hub, userID string) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, 256),
		hub:    hub,
		userID: userID,
		subs:   make(map[string]bool),
		ctx:    hub.ctx,
	}
}

// frame is the wire shape of every inbound operation.
type frame struct {
	Op   string          `json:"op"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ReadPump handles reading from the WebSocket connection. Operations from
// one connection are handled in the order received.
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.hub.log.Warn("Failed to parse frame", zap.Error(err))
			c.SendError("", "invalid_frame", "frame must be a JSON object with op and data")
			continue
		}

		if f.Op == "ping" {
			c.sendAck(f.ID, "pong")
			continue
		}

		c.hub.mu.RLock()
		handler := c.hub.handler
		c.hub.mu.RUnlock()
		if handler == nil {
			c.hub.log.Warn("Operation handler not set")
			continue
		}
		handler.Handle(c.ctx, c, f.Op, f.ID, f.Data)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send delivers an event to this connection only. A send after the
// connection was dropped is a no-op, not a panic.
func (c *Conn) Send(event map[string]interface{}) {
	msg, _ := json.Marshal(event)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.log.Warn("Connection buffer full, dropping event")
	}
}

// SendError delivers a client-visible error reply.
func (c *Conn) SendError(msgID, code, message string) {
	event := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		event["id"] = msgID
	}
	c.Send(event)
}

func (c *Conn) sendAck(msgID, ack string) {
	event := map[string]interface{}{
		"type": "ack",
		"ack":  ack,
	}
	if msgID != "" {
		event["id"] = msgID
	}
	c.Send(event)
}
