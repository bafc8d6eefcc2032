package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope routes one marshalled payload to clients watching a task, a
// user, or both.
type envelope struct {
	taskID string
	userID string
	data   []byte
}

// Hub manages WebSocket clients subscribed to task progress. Clients
// attach per task id; an optional user id widens delivery to
// notification pushes.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan envelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	taskID string
	userID string
}

// NewHub creates a WebSocket hub.
func NewHub(logger *common.Logger) *Hub {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Str("task_id", client.taskID).Int("clients", h.ClientCount()).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.RLock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(env) {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
		// Already stopped
	default:
		close(h.done)
	}
}

func (c *wsClient) wants(env envelope) bool {
	if env.taskID != "" && c.taskID == env.taskID {
		return true
	}
	return env.userID != "" && c.userID != "" && c.userID == env.userID
}

// PublishTask sends a task event to clients watching that task.
func (h *Hub) PublishTask(event models.TaskEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal task event")
		return
	}
	h.publish(envelope{taskID: event.TaskID, data: data})
}

// PublishUser sends an arbitrary payload to a user's connections. It
// satisfies the notification publisher contract.
func (h *Hub) PublishUser(userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal user payload")
		return
	}
	h.publish(envelope{userID: userID, data: data})
}

func (h *Hub) publish(env envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.logger.Warn().Msg("WebSocket broadcast channel full, dropping event")
	}
}

// ServeTask upgrades the connection, registers the client against a
// task id, and greets it with a connection_established event.
func (h *Hub) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		taskID: taskID,
		userID: r.URL.Query().Get("user"),
	}

	h.register <- client

	greeting, _ := json.Marshal(models.TaskEvent{
		Type:      "connection_established",
		TaskID:    taskID,
		Timestamp: time.Now(),
	})
	client.send <- greeting

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *wsClient) writePump() {
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

// readPump consumes client frames, mainly heartbeats and close.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// Any inbound frame counts as a heartbeat.
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}
