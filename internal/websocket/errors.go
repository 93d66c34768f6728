package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must join a classroom before registration")
	ErrInvalidRole                = errors.New("connection role must be teacher or student")
)
