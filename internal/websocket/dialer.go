package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Dialer is the client Transport backend over gorilla/websocket.
type Dialer struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	dialer       *websocket.Dialer
}

var _ interfaces.Transport = (*Dialer)(nil)

// NewDialer creates a transport dialing url (ws:// or wss://).
func NewDialer(url string) *Dialer {
	return &Dialer{
		URL:          url,
		WriteTimeout: DefaultWriteTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Open implements interfaces.Transport.
func (d *Dialer) Open(ctx context.Context) (interfaces.TransportConn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &clientConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

// clientConn adapts a gorilla connection to interfaces.TransportConn.
type clientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// Read blocks for the next frame. Cancelling ctx closes the socket, which is
// the only way to interrupt a gorilla read.
func (c *clientConn) Read(ctx context.Context) (*types.Envelope, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return &env, nil
	}
}

// Write implements interfaces.TransportConn; gorilla allows one concurrent writer.
func (c *clientConn) Write(env *types.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
