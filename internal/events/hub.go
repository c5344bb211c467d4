package events

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/projects"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// SubscribeMessage narrows a connection to a set of projects. An empty list
// subscribes to everything.
type SubscribeMessage struct {
	Type       string        `json:"type"`
	ProjectIDs []projects.ID `json:"project_ids"`
}

// Connection is one websocket client
type Connection struct {
	ID        string
	Principal string
	conn      *websocket.Conn
	send      chan Event

	mu       sync.Mutex
	projects map[projects.ID]bool
}

func (c *Connection) wants(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.projects) == 0 || e.ProjectID == nil {
		return true
	}
	return c.projects[*e.ProjectID]
}

func (c *Connection) subscribe(ids []projects.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects = make(map[projects.ID]bool, len(ids))
	for _, id := range ids {
		c.projects[id] = true
	}
}

// Hub broadcasts events to websocket subscribers
type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]bool
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	closed      bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

// ServeWS upgrades the request and streams events until the client leaves
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:        uuid.New().String(),
		Principal: principal,
		conn:      ws,
		send:      make(chan Event, sendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return fmt.Errorf("hub closed")
	}
	h.connections[conn] = true
	h.mu.Unlock()
	h.logger.Debug("Connection registered", zap.String("connection_id", conn.ID), zap.String("principal", principal))

	go h.writePump(conn)
	go h.readPump(conn)
	return nil
}

// removeLocked drops a connection and closes its send channel exactly once
func (h *Hub) removeLocked(conn *Connection) {
	if _, ok := h.connections[conn]; ok {
		delete(h.connections, conn)
		close(conn.send)
	}
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	h.removeLocked(conn)
	h.mu.Unlock()
}

func (h *Hub) readPump(conn *Connection) {
	defer func() {
		h.remove(conn)
		conn.conn.Close()
		h.logger.Debug("Connection unregistered", zap.String("connection_id", conn.ID))
	}()

	conn.conn.SetReadLimit(4096)
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg SubscribeMessage
		if err := conn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		if msg.Type == "subscribe" {
			conn.subscribe(msg.ProjectIDs)
		}
	}
}

func (h *Hub) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case e, ok := <-conn.send:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Emit queues e for every interested connection. Slow consumers whose
// buffer is full are disconnected.
func (h *Hub) Emit(_ context.Context, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		if !conn.wants(e) {
			continue
		}
		select {
		case conn.send <- e:
		default:
			h.logger.Warn("Dropping slow websocket consumer", zap.String("connection_id", conn.ID))
			h.removeLocked(conn)
		}
	}
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.connections {
		h.removeLocked(conn)
	}
}
