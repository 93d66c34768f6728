package interfaces

import (
	"context"

	"seminar/pkg/types"
)

// Transport opens client connections to the classroom server.
// ARCHITECTURAL DISCOVERY: backoff, heartbeat and ack correlation live once in the
// connection manager, backends only move envelopes
type Transport interface {
	Open(ctx context.Context) (TransportConn, error)
}

// TransportConn is one open client connection.
type TransportConn interface {
	// Read blocks until the next envelope arrives or the connection fails.
	// It is only ever called from a single goroutine.
	Read(ctx context.Context) (*types.Envelope, error)

	// Write sends an envelope; safe for concurrent use.
	Write(env *types.Envelope) error

	Close() error
}
