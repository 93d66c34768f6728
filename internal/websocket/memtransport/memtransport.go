// Package memtransport is an in-process Transport backend. Each Open creates a
// connected pair of pipes; the server end is handed out through Accept.
package memtransport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// ErrRefused is returned by Open while the transport is refusing connections.
var ErrRefused = errors.New("memtransport: connection refused")

// Transport implements interfaces.Transport in memory.
type Transport struct {
	accept chan *Conn
	opens  atomic.Int64

	mu     sync.Mutex
	refuse error
}

var _ interfaces.Transport = (*Transport)(nil)

// New creates a transport whose server ends queue up to backlog pending accepts.
func New(backlog int) *Transport {
	if backlog < 1 {
		backlog = 1
	}
	return &Transport{accept: make(chan *Conn, backlog)}
}

// Refuse makes every following Open fail with err; nil accepts again.
func (t *Transport) Refuse(err error) {
	t.mu.Lock()
	t.refuse = err
	t.mu.Unlock()
}

// Opens counts calls to Open, refused ones included.
func (t *Transport) Opens() int {
	return int(t.opens.Load())
}

// Open implements interfaces.Transport.
func (t *Transport) Open(ctx context.Context) (interfaces.TransportConn, error) {
	t.opens.Add(1)
	t.mu.Lock()
	refuse := t.refuse
	t.mu.Unlock()
	if refuse != nil {
		return nil, refuse
	}

	client, server := Pipe(16)
	select {
	case t.accept <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the server end of the next opened connection.
func (t *Transport) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-t.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conn is one end of an in-memory pipe.
type Conn struct {
	in     <-chan *types.Envelope
	out    chan<- *types.Envelope
	closed chan struct{} // shared by both ends
	once   *sync.Once
}

var _ interfaces.TransportConn = (*Conn)(nil)

// Pipe returns two connected ends buffering up to buffer envelopes each way.
// Closing either end closes both.
func Pipe(buffer int) (*Conn, *Conn) {
	a := make(chan *types.Envelope, buffer)
	b := make(chan *types.Envelope, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &Conn{in: a, out: b, closed: closed, once: once},
		&Conn{in: b, out: a, closed: closed, once: once}
}

// Read implements interfaces.TransportConn.
func (c *Conn) Read(ctx context.Context) (*types.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements interfaces.TransportConn.
func (c *Conn) Write(env *types.Envelope) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

// Close closes both ends.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed is closed once either end is closed.
func (c *Conn) Closed() <-chan struct{} { return c.closed }
