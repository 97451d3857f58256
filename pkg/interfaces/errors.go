package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendBufferFull  = errors.New("send buffer full")
)
