package room

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cloudserver/internal/clock"
	"cloudserver/pkg/interfaces"
)

// Limits bounds the room list and every room in it.
type Limits struct {
	MaxRooms            int
	MaxClientsPerRoom   int
	MaxVariablesPerRoom int
}

// DefaultLimits returns the stock capacity limits.
func DefaultLimits() Limits {
	return Limits{
		MaxRooms:            16384,
		MaxClientsPerRoom:   128,
		MaxVariablesPerRoom: 128,
	}
}

// Stats is a point-in-time summary of the room list.
type Stats struct {
	Rooms     int `json:"rooms"`
	Clients   int `json:"clients"`
	Variables int `json:"variables"`
	MaxRooms  int `json:"max_rooms"`
}

// List is the bounded registry of rooms. Lock order is list then room.
type List struct {
	limits  Limits
	auditor interfaces.Auditor
	clock   clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewList creates an empty room list. auditor may be nil; clk and logger
// default to the real clock and slog.Default().
func NewList(limits Limits, auditor interfaces.Auditor, clk clock.Clock, logger *slog.Logger) *List {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &List{
		limits:  limits,
		auditor: auditor,
		clock:   clk,
		logger:  logger,
		rooms:   make(map[string]*Room),
	}
}

// Create registers a new empty room.
func (l *List) Create(id string) (*Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createLocked(id)
}

func (l *List) createLocked(id string) (*Room, error) {
	if len(l.rooms) >= l.limits.MaxRooms {
		return nil, fmt.Errorf("%w: %d rooms", ErrCapacityExceeded, len(l.rooms))
	}
	if _, exists := l.rooms[id]; exists {
		return nil, fmt.Errorf("%w: room %s", ErrAlreadyExists, id)
	}

	r := newRoom(id, l.limits, l.auditor, l.clock, l.logger)
	l.rooms[id] = r
	l.logger.Debug("room created", "room", id, "rooms", len(l.rooms))
	return r, nil
}

// Has reports whether a room is registered.
func (l *List) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rooms[id]
	return ok
}

// Get looks up a room.
func (l *List) Get(id string) (*Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, id)
	}
	return r, nil
}

// Remove unregisters a room whether or not it is empty. Removing an unknown
// id is a no-op. The removed room refuses further clients.
func (l *List) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rooms[id]
	if !ok {
		return
	}
	r.mu.Lock()
	r.closeLocked()
	r.mu.Unlock()
	delete(l.rooms, id)
	l.logger.Debug("room removed", "room", id, "rooms", len(l.rooms))
}

// RemoveIfIdle evicts a room only if, checked under both locks, it has no
// clients and has been inactive for at least threshold. A client admitted
// through Join cannot be evicted out from under it.
func (l *List) RemoveIfIdle(id string, threshold time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rooms[id]
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.idleLocked(threshold) {
		return false
	}
	r.closeLocked()
	delete(l.rooms, id)
	return true
}

// Join admits client to room id, creating the room when allowCreate is set.
// A client already in a different room leaves it first.
func (l *List) Join(id string, c *Client, allowCreate bool) (*Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current := c.RoomID(); current != "" && current != id {
		if old, ok := l.rooms[current]; ok {
			old.RemoveClient(c)
		}
	}

	r, ok := l.rooms[id]
	if !ok {
		if !allowCreate {
			return nil, fmt.Errorf("%w: room %s", ErrNotFound, id)
		}
		var err error
		if r, err = l.createLocked(id); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.addClientLocked(c); err != nil {
		return nil, err
	}
	return r, nil
}

// Leave removes client from its current room, if any.
func (l *List) Leave(c *Client) {
	id := c.RoomID()
	if id == "" {
		return
	}

	l.mu.Lock()
	r, ok := l.rooms[id]
	l.mu.Unlock()
	if ok {
		r.RemoveClient(c)
	}
}

// RoomOf returns the room a client is currently in.
func (l *List) RoomOf(c *Client) (*Room, error) {
	id := c.RoomID()
	if id == "" {
		return nil, fmt.Errorf("%w: client %s is not in a room", ErrNotFound, c.ID)
	}
	return l.Get(id)
}

// IDs returns the registered room ids in sorted order.
func (l *List) IDs() []string {
	l.mu.Lock()
	ids := make([]string, 0, len(l.rooms))
	for id := range l.rooms {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered rooms.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}

// Stats returns room, client and variable totals.
func (l *List) Stats() Stats {
	l.mu.Lock()
	rooms := make([]*Room, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, r)
	}
	l.mu.Unlock()

	stats := Stats{Rooms: len(rooms), MaxRooms: l.limits.MaxRooms}
	for _, r := range rooms {
		r.mu.Lock()
		stats.Clients += len(r.clients)
		stats.Variables += len(r.variables)
		r.mu.Unlock()
	}
	return stats
}
