// Package api provides the HTTP control surface and the WebSocket event
// feed.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// EventType labels a WebSocket push.
type EventType string

const (
	EventTrade     EventType = "trade"
	EventVeto      EventType = "veto"
	EventRegime    EventType = "regime_change"
	EventEmergency EventType = "emergency"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one WebSocket message.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine events out to connected WebSocket clients. Slow clients
// are dropped rather than allowed to block the loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *zap.Logger

	heartbeat time.Duration
	done      chan struct{}
}

// NewHub creates a Hub. Run must be called for heartbeats.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		logger:    logger.Named("ws"),
		heartbeat: 30 * time.Second,
		done:      make(chan struct{}),
	}
}

// Run sends periodic heartbeats until Stop.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.publish(Event{Type: EventHeartbeat, Timestamp: time.Now().UnixMilli()})
		}
	}
}

// Stop terminates the heartbeat loop and closes all connections.
func (h *Hub) Stop() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn("dropped slow websocket client", zap.String("id", c.id))
		}
	}
}

// BroadcastTrade pushes an executed trade.
func (h *Hub) BroadcastTrade(trade types.Trade) {
	h.publish(Event{Type: EventTrade, Data: trade, Timestamp: time.Now().UnixMilli()})
}

// BroadcastVeto pushes a veto-chain rejection.
func (h *Hub) BroadcastVeto(ev types.VetoEvent) {
	h.publish(Event{Type: EventVeto, Data: ev, Timestamp: time.Now().UnixMilli()})
}

// BroadcastRegimeChange pushes a symbol regime transition.
func (h *Hub) BroadcastRegimeChange(symbol, from, to string) {
	h.publish(Event{
		Type: EventRegime,
		Data: map[string]string{"symbol": symbol, "from": from, "to": to},
		Timestamp: time.Now().UnixMilli(),
	})
}

// BroadcastEmergency pushes an emergency halt notification.
func (h *Hub) BroadcastEmergency(reason string) {
	h.publish(Event{
		Type:      EventEmergency,
		Data:      map[string]string{"reason": reason},
		Timestamp: time.Now().UnixMilli(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and registers the client.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Info("websocket client connected", zap.String("id", c.id))

	go c.writeLoop()
	go c.readLoop(h)
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readLoop drains client frames so pings are answered; inbound content is
// ignored, commands go over HTTP.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
