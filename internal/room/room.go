package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloudserver/internal/clock"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

// Room holds a bounded set of cloud variables shared by a bounded set of
// clients. All mutations and membership changes happen under the room lock
// and are broadcast to the clients present at that moment.
type Room struct {
	ID string

	maxVariables int
	maxClients   int

	auditor interfaces.Auditor
	clock   clock.Clock
	logger  *slog.Logger

	mu           sync.Mutex
	variables    map[string]string
	clients      map[string]*Client // client ID -> client
	lastActivity time.Time
	closed       bool
}

func newRoom(id string, limits Limits, auditor interfaces.Auditor, clk clock.Clock, logger *slog.Logger) *Room {
	return &Room{
		ID:           id,
		maxVariables: limits.MaxVariablesPerRoom,
		maxClients:   limits.MaxClientsPerRoom,
		auditor:      auditor,
		clock:        clk,
		logger:       logger,
		variables:    make(map[string]string),
		clients:      make(map[string]*Client),
		lastActivity: clk.Now(),
	}
}

// Create adds a new variable. origin is the client that asked for it and is
// excluded from the broadcast; nil broadcasts to every client.
func (r *Room) Create(origin *Client, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.variables) >= r.maxVariables {
		return fmt.Errorf("%w: room %s has %d variables", ErrCapacityExceeded, r.ID, len(r.variables))
	}
	if _, exists := r.variables[name]; exists {
		return fmt.Errorf("%w: variable %q in room %s", ErrAlreadyExists, name, r.ID)
	}

	r.variables[name] = value
	r.touch()
	r.audit(origin, types.ActionCreate, name, "", value)
	r.broadcast(origin, types.NewSetMessage(name, value))
	return nil
}

// Set replaces the value of an existing variable. Setting the current value
// again is still a mutation: it is audited and broadcast.
func (r *Room) Set(origin *Client, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.variables[name]
	if !exists {
		return fmt.Errorf("%w: variable %q in room %s", ErrNotFound, name, r.ID)
	}

	r.variables[name] = value
	r.touch()
	r.audit(origin, types.ActionUpdate, name, old, value)
	r.broadcast(origin, types.NewSetMessage(name, value))
	return nil
}

// Delete removes a variable.
func (r *Room) Delete(origin *Client, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.variables[name]
	if !exists {
		return fmt.Errorf("%w: variable %q in room %s", ErrNotFound, name, r.ID)
	}

	delete(r.variables, name)
	r.touch()
	r.audit(origin, types.ActionDelete, name, old, "")
	r.broadcast(origin, types.NewDeleteMessage(name))
	return nil
}

// Rename moves a variable to a new name, keeping its value. The audit trail
// records it as a delete of the old name followed by a create of the new one.
func (r *Room) Rename(origin *Client, oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, exists := r.variables[oldName]
	if !exists {
		return fmt.Errorf("%w: variable %q in room %s", ErrNotFound, oldName, r.ID)
	}
	if _, taken := r.variables[newName]; taken {
		return fmt.Errorf("%w: variable %q in room %s", ErrAlreadyExists, newName, r.ID)
	}

	delete(r.variables, oldName)
	r.variables[newName] = value
	r.touch()
	r.audit(origin, types.ActionDelete, oldName, value, "")
	r.audit(origin, types.ActionCreate, newName, "", value)
	r.broadcast(origin, types.NewRenameMessage(oldName, newName))
	return nil
}

// Get returns the value of a variable.
func (r *Room) Get(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.variables[name]
	return value, ok
}

// Has reports whether a variable exists.
func (r *Room) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Variables returns a copy of all variables.
func (r *Room) Variables() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.variables))
	for name, value := range r.variables {
		out[name] = value
	}
	return out
}

// VariableCount returns the number of variables.
func (r *Room) VariableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.variables)
}

// AddClient admits a client. A room that has been removed from its list
// refuses new clients with ErrNotFound.
func (r *Room) AddClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addClientLocked(c)
}

func (r *Room) addClientLocked(c *Client) error {
	if r.closed {
		return fmt.Errorf("%w: room %s was removed", ErrNotFound, r.ID)
	}
	if _, present := r.clients[c.ID]; present {
		return nil
	}
	if len(r.clients) >= r.maxClients {
		return fmt.Errorf("%w: room %s has %d clients", ErrCapacityExceeded, r.ID, len(r.clients))
	}

	r.clients[c.ID] = c
	c.setRoomID(r.ID)
	r.touch()
	return nil
}

// RemoveClient drops a client from the room. Variables are left untouched.
func (r *Room) RemoveClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, present := r.clients[c.ID]; !present {
		return
	}
	delete(r.clients, c.ID)
	c.setRoomID("")
	r.touch()
}

// HasClient reports whether c is in the room.
func (r *Room) HasClient(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[c.ID]
	return ok
}

// ClientCount returns the number of connected clients.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Clients returns the clients currently in the room.
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// LastActivity returns the time of the last mutation or membership change.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Closed reports whether the room has been removed from its list.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// idleLocked reports whether the room is empty and has seen no activity for
// at least threshold. Caller holds r.mu.
func (r *Room) idleLocked(threshold time.Duration) bool {
	return len(r.clients) == 0 && r.clock.Now().Sub(r.lastActivity) >= threshold
}

// closeLocked marks the room removed. Caller holds r.mu.
func (r *Room) closeLocked() {
	r.closed = true
	for id, c := range r.clients {
		c.setRoomID("")
		delete(r.clients, id)
	}
}

func (r *Room) touch() {
	r.lastActivity = r.clock.Now()
}

func (r *Room) audit(origin *Client, action types.Action, name, oldValue, newValue string) {
	if r.auditor == nil {
		return
	}
	change := &types.VariableChange{
		RoomID:       r.ID,
		VariableName: name,
		OldValue:     oldValue,
		NewValue:     newValue,
		Action:       action,
		ClientCount:  len(r.clients),
		Time:         r.lastActivity,
	}
	if origin != nil {
		change.ClientID = origin.ID
		change.IP = origin.IP
		change.Username = origin.Username()
		change.UserAgent = origin.UserAgent
	}
	r.auditor.LogChange(change)
}

// broadcast delivers msg to every client except origin. Delivery failures
// belong to the transport; the mutation has already happened.
func (r *Room) broadcast(origin *Client, msg *types.Message) {
	for id, c := range r.clients {
		if origin != nil && id == origin.ID {
			continue
		}
		if err := c.Send(msg); err != nil {
			r.logger.Debug("broadcast delivery failed",
				"room", r.ID, "client", id, "method", msg.Method, "error", err)
		}
	}
}
