package router

import (
	"errors"
	"fmt"
)

var (
	ErrNotHandshaken      = errors.New("no handshake performed yet")
	ErrAlreadyHandshaken  = errors.New("handshake already performed")
	ErrUnknownMethod      = errors.New("unknown message method")
	ErrFeatureDisabled    = errors.New("feature disabled by server configuration")
	ErrDisallowedUsername = errors.New("username is not allowed")
	ErrDisallowedName     = errors.New("variable name is not allowed")
	ErrDisallowedValue    = errors.New("variable value is not allowed")
)

// CloseError asks the transport to end the connection with Code.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

func closeWith(code int, reason string, err error) *CloseError {
	return &CloseError{Code: code, Reason: reason, Err: err}
}
