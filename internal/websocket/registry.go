package websocket

import (
	"sync"

	"cloudserver/internal/room"
)

// Registry tracks live connections and the clients bound to them.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*entry          // client ID -> entry
	byAddress   map[string]map[string]bool // address -> client IDs
}

type entry struct {
	conn   *Connection
	client *room.Client
}

// RegistryStats summarizes live connections.
type RegistryStats struct {
	Connections int `json:"connections"`
	Addresses   int `json:"addresses"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*entry),
		byAddress:   make(map[string]map[string]bool),
	}
}

// Register records conn as the transport of client.
func (r *Registry) Register(conn *Connection, client *room.Client) error {
	if conn == nil || client == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[client.ID] = &entry{conn: conn, client: client}
	ids := r.byAddress[client.IP]
	if ids == nil {
		ids = make(map[string]bool)
		r.byAddress[client.IP] = ids
	}
	ids[client.ID] = true
	return nil
}

// Unregister forgets client. It is idempotent.
func (r *Registry) Unregister(client *room.Client) {
	if client == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[client.ID]; !ok {
		return
	}
	delete(r.connections, client.ID)
	if ids, ok := r.byAddress[client.IP]; ok {
		delete(ids, client.ID)
		if len(ids) == 0 {
			delete(r.byAddress, client.IP)
		}
	}
}

// Get returns the connection for a client ID.
func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.connections[clientID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// CountByAddress returns the number of live connections from addr.
func (r *Registry) CountByAddress(addr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddress[addr])
}

// CloseAll closes every registered connection with code.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, e := range r.connections {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close(code, reason)
	}
}

// Stats returns registry statistics for monitoring.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Connections: len(r.connections),
		Addresses:   len(r.byAddress),
	}
}
