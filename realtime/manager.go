package realtime

import (
	"sync"

	"github.com/drivelinehq/driveline/common"
)

// Manager is the in-process connection index: connection id to
// connection, user id to connection set, room id to connection set.
// All three maps mutate under one mutex so a connection is never half
// registered.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	users map[string]map[string]struct{}
	rooms map[string]map[string]struct{}

	logger *common.ContextLogger
}

func NewManager() *Manager {
	return &Manager{
		conns:  make(map[string]*Conn),
		users:  make(map[string]map[string]struct{}),
		rooms:  make(map[string]map[string]struct{}),
		logger: common.ServiceLogger("realtime.manager"),
	}
}

// Register indexes a new connection.
func (m *Manager) Register(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conns[c.ID] = c
	set, ok := m.users[c.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.users[c.UserID] = set
	}
	set[c.ID] = struct{}{}

	m.logger.WithFields(map[string]interface{}{
		"conn_id": c.ID,
		"user_id": c.UserID,
	}).Debug("Connection registered")
}

// Unregister removes a connection from every index. Safe to call more
// than once.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(m.conns, connID)

	if set, ok := m.users[c.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.users, c.UserID)
		}
	}
	for roomID, set := range m.rooms {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

// JoinRoom adds a connection to a room's local set.
func (m *Manager) JoinRoom(connID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; !ok {
		return
	}
	set, ok := m.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		m.rooms[roomID] = set
	}
	set[connID] = struct{}{}
}

// LeaveRoom removes a connection from a room's local set.
func (m *Manager) LeaveRoom(connID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.rooms[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

// Get returns the live connection for an id, or nil.
func (m *Manager) Get(connID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connID]
}

// ConnectionsInRoom snapshots a room's local connections, optionally
// excluding one connection id.
func (m *Manager) ConnectionsInRoom(roomID, exclude string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.rooms[roomID]
	out := make([]*Conn, 0, len(set))
	for id := range set {
		if id == exclude {
			continue
		}
		if c, ok := m.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsForUser snapshots a user's local connections.
func (m *Manager) ConnectionsForUser(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.users[userID]
	out := make([]*Conn, 0, len(set))
	for id := range set {
		if c, ok := m.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// IsUserOnlineLocal reports whether the user has a connection on this
// node. Cross-node presence goes through the presence tracker.
func (m *Manager) IsUserOnlineLocal(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID]) > 0
}

// ConnectionCount is the number of live local connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Connections snapshots every live local connection.
func (m *Manager) Connections() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// RoomIDs lists rooms with at least one local connection.
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}
