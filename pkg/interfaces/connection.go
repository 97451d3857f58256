package interfaces

import "cloudserver/pkg/types"

// Transport is the outbound side of a client connection. Implementations
// must be safe for concurrent use: rooms broadcast from whichever goroutine
// performed the mutation.
type Transport interface {
	// Send enqueues a message for the client. It must not block on the
	// network.
	Send(msg *types.Message) error

	// Close ends the connection with a protocol close code.
	Close(code int, reason string) error
}
