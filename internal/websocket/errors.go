package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidFrame     = errors.New("invalid frame")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
)
