package room

import (
	"sync"

	"github.com/google/uuid"

	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

// Client is one connected peer. It carries identity for auditing and a
// handle to its transport. The room it belongs to is tracked by id and only
// changed by Room.AddClient and Room.RemoveClient.
type Client struct {
	ID        string
	IP        string
	UserAgent string

	transport interfaces.Transport

	mu       sync.RWMutex
	username string
	roomID   string
}

// NewClient creates a client bound to transport.
func NewClient(ip, userAgent string, transport interfaces.Transport) *Client {
	return &Client{
		ID:        uuid.New().String(),
		IP:        ip,
		UserAgent: userAgent,
		transport: transport,
	}
}

// Username returns the handshake username, or "" before the handshake.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// SetUsername records the username accepted at handshake.
func (c *Client) SetUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

// RoomID returns the id of the room the client is in, or "".
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// InRoom reports whether the client currently belongs to a room.
func (c *Client) InRoom() bool {
	return c.RoomID() != ""
}

func (c *Client) setRoomID(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// Send forwards msg to the client's transport.
func (c *Client) Send(msg *types.Message) error {
	if c.transport == nil {
		return interfaces.ErrTransportClosed
	}
	return c.transport.Send(msg)
}

// Close ends the client's connection with a protocol close code.
func (c *Client) Close(code int, reason string) error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close(code, reason)
}
