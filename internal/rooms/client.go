package rooms

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dukepan/dj-rooms-back/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Chat content is capped at 2000
	// characters; this leaves room for the envelope around it.
	maxMessageSize = 8192
)

// Client is a middleman between one websocket connection and the rest of the
// server. It owns the connection's identity and its outbound queue.
type Client struct {
	ConnID   string
	UserID   uuid.UUID
	Username string

	manager    *Manager
	conn       *websocket.Conn
	send       chan []byte
	dispatcher Dispatcher

	mu        sync.RWMutex
	rooms     map[string]bool
	sendOnce  sync.Once
	closeOnce sync.Once
}

// NewClient creates a client for an upgraded connection.
func NewClient(manager *Manager, conn *websocket.Conn, userID uuid.UUID, username string, dispatcher Dispatcher) *Client {
	return &Client{
		ConnID:     uuid.New().String(),
		UserID:     userID,
		Username:   username,
		manager:    manager,
		conn:       conn,
		send:       make(chan []byte, 256),
		dispatcher: dispatcher,
		rooms:      make(map[string]bool),
	}
}

// Start begins the client's read and write pumps
func (c *Client) Start() {
	c.manager.Register(c)
	go c.writePump()
	go c.readPump()
}

// Rooms lists the rooms this connection has joined locally.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// InRoom reports whether this connection joined the room on this instance.
func (c *Client) InRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID]
}

func (c *Client) addRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = true
}

func (c *Client) removeRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// Send queues a payload for delivery. Returns false when the outbound queue
// is full or closed; the frame is dropped rather than blocking the caller.
func (c *Client) Send(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// SendEvent wraps the event in the wire envelope and queues it for this one
// connection. Used for direct replies: errors, pongs, state snapshots.
func (c *Client) SendEvent(event string, data interface{}) {
	payload, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("failed to marshal direct event", "event", event, "error", err)
		return
	}
	if !c.Send(payload) {
		slog.Debug("dropped direct event to slow consumer", "event", event, "conn_id", c.ConnID)
	}
}

// CloseGoingAway tells the peer the server is shutting down, then closes.
func (c *Client) CloseGoingAway() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = c.conn.Close()
	})
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

// readPump pumps messages from the websocket connection into the dispatcher.
// The application ensures that there is at most one reader per connection by
// invoking this as a goroutine; dispatching inline keeps a connection's
// events in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.dispatcher.Disconnected(context.Background(), c)
		c.manager.Unregister(c)
		c.closeOnce.Do(func() { _ = c.conn.Close() })
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "conn_id", c.ConnID, "error", err)
			}
			break
		}
		c.dispatcher.Dispatch(context.Background(), c, message)
	}
}

// writePump pumps queued payloads to the websocket connection and keeps the
// connection alive with pings. At most one writer per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { _ = c.conn.Close() })
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("websocket write error", "conn_id", c.ConnID, "error", err)
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
