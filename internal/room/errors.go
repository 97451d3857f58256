package room

import "errors"

// Room and room list errors. Callers match them with errors.Is; returned
// errors usually wrap one of these with the offending id or name.
var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
)
