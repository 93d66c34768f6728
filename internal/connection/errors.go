package connection

import "errors"

// Connection manager errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrDisconnected  = errors.New("connection closed while waiting for ack")
	ErrRetriesFailed = errors.New("reconnection attempts exhausted")
	ErrNoTransport   = errors.New("no transport configured")
)
