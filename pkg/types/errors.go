package types

import "errors"

// Protocol validation errors.
var (
	ErrInvalidMessage      = errors.New("malformed protocol message")
	ErrInvalidValue        = errors.New("value must be a string, number or boolean")
	ErrInvalidUsername     = errors.New("username must be 1-20 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRoomID       = errors.New("project id must be 1-128 bytes")
	ErrInvalidVariableName = errors.New("variable name must start with the cloud prefix and be at most 1024 bytes")
	ErrValueTooLarge       = errors.New("variable value exceeds 100000 bytes")
)
