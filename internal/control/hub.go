// Package control exposes the sync core to local UIs over WebSocket.
// The hub pushes sync lifecycle events and answers cache maintenance
// commands from connected front ends.
package control

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrotour/offline/internal/cache"
	"github.com/agrotour/offline/internal/logging"
	"github.com/agrotour/offline/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only local UIs may attach
		return r.Host == "localhost" || strings.HasPrefix(r.Host, "localhost:") ||
			strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// =====================================================
// Event and Command Types
// =====================================================

const (
	EventSyncStarted          = "sync.started"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
	EventConnectivityChanged  = "connectivity.changed"

	CommandSkipWaiting  = "SKIP_WAITING"
	CommandClearCache   = "CLEAR_CACHE"
	CommandGetCacheSize = "GET_CACHE_SIZE"
)

// Backend is the slice of the sync core the hub commands operate on.
type Backend interface {
	// ClearCache wipes the read cache.
	ClearCache() error
	// CacheStats reports cache occupancy.
	CacheStats() (cache.Stats, error)
	// Activate finishes a pending upgrade by dropping old cache
	// generations.
	Activate() error
}

// Envelope wraps every message on the wire.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one attached UI connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains attached clients and fans events out to them.
type Hub struct {
	backend Backend

	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(backend Backend) *Hub {
	hub := &Hub{
		backend:    backend,
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Stop terminates the dispatch loop and disconnects all clients.
func (h *Hub) Stop() {
	close(h.done)
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("control client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full, drop the client
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every attached client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal control event", err, nil)
		return
	}
	select {
	case h.broadcast <- raw:
	case <-h.done:
	}
}

// =====================================================
// Sync Event Broadcasters
// =====================================================

// BroadcastSyncStarted notifies clients that a drain pass began.
func (h *Hub) BroadcastSyncStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"status": "started",
	})
}

// BroadcastSyncCompleted notifies clients of a finished drain pass.
func (h *Hub) BroadcastSyncCompleted(applied, conflicts, failed int, duration time.Duration) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"applied":   applied,
		"conflicts": conflicts,
		"failed":    failed,
		"duration":  duration.Milliseconds(),
		"status":    "completed",
	})
}

// BroadcastSyncFailed notifies clients that a drain pass aborted.
func (h *Hub) BroadcastSyncFailed(errorCode string, retryable bool) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error_code": errorCode,
		"retryable":  retryable,
		"status":     "failed",
	})
}

// BroadcastConflictDetected pushes a freshly detected conflict so the UI
// can prompt the user.
func (h *Hub) BroadcastConflictDetected(conflict *models.SyncConflict) {
	h.Broadcast(EventSyncConflictDetected, map[string]interface{}{
		"conflict_id":   string(conflict.ID),
		"entity_type":   conflict.EntityType,
		"entity_id":     conflict.EntityID,
		"conflict_type": string(conflict.ConflictType),
		"details":       conflict.Details,
	})
}

// BroadcastConnectivityChanged reports online/offline transitions.
func (h *Hub) BroadcastConnectivityChanged(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{
		"online": online,
	})
}

// =====================================================
// Client Pumps and Command Handling
// =====================================================

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("control read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			break
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Warn("invalid control message", map[string]interface{}{
				"client_id": c.id,
			})
			continue
		}

		c.handleCommand(msg.Type)
	}
}

func (c *Client) handleCommand(command string) {
	switch command {
	case CommandSkipWaiting:
		err := c.hub.backend.Activate()
		c.reply("SKIP_WAITING_RESULT", map[string]interface{}{
			"success": err == nil,
		})

	case CommandClearCache:
		err := c.hub.backend.ClearCache()
		if err != nil {
			logging.Error("cache clear failed", err, map[string]interface{}{
				"client_id": c.id,
			})
		}
		c.reply("CLEAR_CACHE_RESULT", map[string]interface{}{
			"success": err == nil,
		})

	case CommandGetCacheSize:
		stats, err := c.hub.backend.CacheStats()
		if err != nil {
			c.reply("CACHE_SIZE", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		c.reply("CACHE_SIZE", map[string]interface{}{
			"cacheSize": stats.CacheSize,
			"requests":  stats.Requests,
		})

	case "ping":
		c.reply("pong", nil)
	}
}

// reply sends a response to this client only.
func (c *Client) reply(msgType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler returns the HTTP handler that upgrades connections and
// attaches them to the hub.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("websocket upgrade failed", err, nil)
			return
		}

		client := &Client{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
