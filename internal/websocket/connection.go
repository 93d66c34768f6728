package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Default write path tuning, overridable through Options.
const (
	DefaultSendBuffer   = 100
	DefaultWriteTimeout = 5 * time.Second
)

// Options tunes a server connection.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// Connection is one participant's websocket on the server.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, every frame goes
// through one writer goroutine fed by a buffered channel
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu            sync.RWMutex
	userID        string
	role          types.Role
	classroomCode string
	authenticated bool
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

// writeLoop is the only goroutine that writes data frames.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine.
// FUNCTIONAL DISCOVERY: a full queue means the peer stopped reading, the caller
// waits at most one write timeout before giving up on this frame
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send wraps ev in an envelope carrying correlation id and queues it.
func (c *Connection) Send(ev types.Event, id string) error {
	env, err := types.NewEnvelope(ev, id)
	if err != nil {
		return err
	}
	return c.WriteJSON(env)
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// SetCredentials binds the connection to a participant of a classroom.
func (c *Connection) SetCredentials(userID string, role types.Role, classroomCode string) error {
	if role != types.RoleTeacher && role != types.RoleStudent {
		return ErrInvalidRole
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.role = role
	c.classroomCode = classroomCode
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetClassroomCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.classroomCode
}
