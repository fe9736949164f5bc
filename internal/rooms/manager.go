package rooms

import (
	"context"
	"sync"

	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// Manager tracks the live connections on this instance and fans broadcast
// payloads out to the local members of each room. Cross-instance delivery is
// the fan-out engine's job; by the time a payload reaches Broadcast it is
// already local.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client          // connection ID → client
	rooms   map[string]map[*Client]bool // room ID → locally joined clients
	logger  *utils.Logger
}

// NewManager creates a new connection manager
func NewManager(logger *utils.Logger) *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]bool),
		logger:  logger,
	}
}

// Register adds a connection to the local registry.
func (m *Manager) Register(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ConnID] = client
}

// Unregister removes the connection from the registry and from every room it
// joined locally, and closes its outbound queue.
func (m *Manager) Unregister(client *Client) {
	m.mu.Lock()
	if _, exists := m.clients[client.ConnID]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.clients, client.ConnID)
	for _, roomID := range client.Rooms() {
		m.detachLocked(client, roomID)
	}
	m.mu.Unlock()

	client.closeSend()
}

// Join attaches the client to a room's local member set.
func (m *Manager) Join(client *Client, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, exists := m.rooms[roomID]
	if !exists {
		members = make(map[*Client]bool)
		m.rooms[roomID] = members
	}
	members[client] = true
	client.addRoom(roomID)
}

// Leave detaches the client from a room's local member set.
func (m *Manager) Leave(client *Client, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked(client, roomID)
	client.removeRoom(roomID)
}

func (m *Manager) detachLocked(client *Client, roomID string) {
	members, exists := m.rooms[roomID]
	if !exists {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
}

// Broadcast delivers a payload to every local member of the room. Slow
// consumers are skipped rather than allowed to stall the room.
func (m *Manager) Broadcast(roomID string, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for client := range m.rooms[roomID] {
		if !client.Send(payload) {
			m.logger.Debug(context.Background(), "dropped broadcast to slow consumer",
				"conn_id", client.ConnID, "room_id", roomID)
		}
	}
}

// Client looks up a live connection by ID.
func (m *Manager) Client(connID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[connID]
	return client, exists
}

// ClientCount returns the number of live connections on this instance.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Shutdown tells every connection the server is going away and closes it.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	for _, client := range clients {
		client.CloseGoingAway()
	}
	m.logger.Info(ctx, "closed all websocket connections", "count", len(clients))
}
