package dispatcher

import "errors"

// Dispatcher errors
var (
	ErrNotJoined     = errors.New("not in a classroom")
	ErrAlreadyJoined = errors.New("already in a classroom")
	ErrNoHandler     = errors.New("no handler for event")
)
