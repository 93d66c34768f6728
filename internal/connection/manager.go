// Package connection owns the client transport lifecycle: connect, reconnect
// with backoff, heartbeat latency and correlated acknowledgements.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Lifecycle names the connection-level event behind a state change.
type Lifecycle string

const (
	LifecycleConnect         Lifecycle = "connect"
	LifecycleDisconnect      Lifecycle = "disconnect"
	LifecycleConnectError    Lifecycle = "connect_error"
	LifecycleReconnect       Lifecycle = "reconnect"
	LifecycleReconnectFailed Lifecycle = "reconnect_failed"
)

// StateChange is delivered to the state callback on every transition.
type StateChange struct {
	State types.ConnectionState
	Event Lifecycle
	Err   error
}

// Observer receives connection activity, e.g. for metrics. All methods must be
// safe for concurrent use.
type Observer interface {
	EventSent(name types.EventName)
	EventReceived(name types.EventName)
	ReconnectAttempt()
	HeartbeatLatency(d time.Duration)
}

// Manager is the only component that touches the transport.
// ARCHITECTURAL DISCOVERY: each successful Open starts a generation; the read loop
// and heartbeat of an older generation notice the mismatch and exit quietly, so a
// late error from a dead socket can never clobber the state of a new one
type Manager struct {
	transport interfaces.Transport
	cfg       Config
	observer  Observer
	newID     func() string

	mu         sync.Mutex
	state      types.ConnectionState
	stats      types.ConnectionStats
	conn       interfaces.TransportConn
	generation uint64
	cancel     context.CancelFunc // cancels the current session (reconnect loop included)
	connCancel context.CancelFunc // cancels read loop and heartbeat of the current conn
	pending    map[string]chan *types.Envelope

	cbMu    sync.Mutex
	onEvent func(*types.Envelope)
	onState func(StateChange)
}

// NewManager creates a disconnected manager over transport.
func NewManager(transport interfaces.Transport, cfg Config, observer Observer) *Manager {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		observer:  observer,
		newID:     uuid.NewString,
		state:     types.StateDisconnected,
		pending:   make(map[string]chan *types.Envelope),
	}
}

// OnEvent registers the handler for every non-ack inbound envelope. It is called
// from the read goroutine, one envelope at a time, in arrival order.
func (m *Manager) OnEvent(fn func(*types.Envelope)) {
	m.cbMu.Lock()
	m.onEvent = fn
	m.cbMu.Unlock()
}

// OnStateChange registers the state transition callback.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.cbMu.Lock()
	m.onState = fn
	m.cbMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether State() is connected.
func (m *Manager) IsConnected() bool {
	return m.State() == types.StateConnected
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() types.ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Connect opens the transport. A failed open is returned as a ConnectionError
// and, when reconnection is enabled, the manager keeps retrying in the background.
func (m *Manager) Connect(ctx context.Context) error {
	if m.transport == nil {
		return &types.ConnectionError{Op: "connect", Err: ErrNoTransport}
	}
	m.mu.Lock()
	if m.state == types.StateConnected || m.state == types.StateConnecting || m.state == types.StateReconnecting {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	if m.cancel != nil {
		m.cancel()
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = types.StateConnecting
	m.mu.Unlock()
	m.notify(StateChange{State: types.StateConnecting})

	conn, err := m.transport.Open(ctx)
	if err != nil {
		m.openFailed(sessionCtx, gen, err)
		return &types.ConnectionError{Op: "connect", Err: err}
	}
	if !m.attach(sessionCtx, gen, conn, LifecycleConnect) {
		conn.Close()
		return &types.ConnectionError{Op: "connect", Err: context.Canceled}
	}
	return nil
}

func (m *Manager) openFailed(sessionCtx context.Context, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.cfg.Reconnect {
		m.state = types.StateReconnecting
	} else {
		m.state = types.StateError
	}
	state := m.state
	m.mu.Unlock()

	log.Printf("Connection failed: %v", err)
	m.notify(StateChange{State: state, Event: LifecycleConnectError, Err: err})
	if state == types.StateReconnecting {
		go m.reconnectLoop(sessionCtx, gen)
	}
}

// attach installs conn as the live connection of generation gen.
func (m *Manager) attach(sessionCtx context.Context, gen uint64, conn interfaces.TransportConn, event Lifecycle) bool {
	m.mu.Lock()
	if gen != m.generation || sessionCtx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	connCtx, connCancel := context.WithCancel(sessionCtx)
	m.conn = conn
	m.connCancel = connCancel
	m.state = types.StateConnected
	m.stats.LastActivity = time.Now()
	m.mu.Unlock()

	go m.readLoop(connCtx, gen, conn)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(connCtx, gen)
	}
	m.notify(StateChange{State: types.StateConnected, Event: event})
	return true
}

// readLoop delivers inbound envelopes until the connection fails.
func (m *Manager) readLoop(ctx context.Context, gen uint64, conn interfaces.TransportConn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.dropped(gen, err)
			return
		}

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.stats.MessagesReceived++
		m.stats.LastActivity = time.Now()
		var waiter chan *types.Envelope
		if env.Event == types.EventAck && env.ID != "" {
			waiter = m.pending[env.ID]
			delete(m.pending, env.ID)
		}
		m.mu.Unlock()

		if m.observer != nil {
			m.observer.EventReceived(env.Event)
		}
		if env.Event == types.EventAck {
			if waiter != nil {
				waiter <- env
			}
			continue
		}
		m.cbMu.Lock()
		handler := m.onEvent
		m.cbMu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// dropped handles a transport failure of generation gen.
func (m *Manager) dropped(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.state != types.StateConnected {
		m.mu.Unlock()
		return
	}
	m.closeConnLocked()
	m.failPendingLocked(&types.ConnectionError{Op: "read", Err: err})
	sessionCtx, cancel := context.WithCancel(context.Background())
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.generation++
	gen = m.generation
	if m.cfg.Reconnect {
		m.state = types.StateReconnecting
	} else {
		m.state = types.StateDisconnected
	}
	state := m.state
	m.mu.Unlock()

	log.Printf("Connection dropped: %v", err)
	m.notify(StateChange{State: state, Event: LifecycleDisconnect, Err: err})
	if state == types.StateReconnecting {
		go m.reconnectLoop(sessionCtx, gen)
	} else {
		cancel()
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if m.cfg.InitialBackoff > 0 {
		exp.InitialInterval = m.cfg.InitialBackoff
	}
	if m.cfg.MaxBackoff > 0 {
		exp.MaxInterval = m.cfg.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(m.cfg.MaxAttempts))
}

// reconnectLoop retries Open with exponential backoff until it succeeds, the
// attempt cap is exceeded or the session is cancelled.
// FUNCTIONAL DISCOVERY: after the cap the state is error and nothing retries
// automatically any more; only an explicit Reconnect starts over
func (m *Manager) reconnectLoop(ctx context.Context, gen uint64) {
	b := m.newBackOff()
	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			m.reconnectFailed(gen)
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.stats.ReconnectCount++
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.ReconnectAttempt()
		}

		conn, err := m.transport.Open(ctx)
		if err != nil {
			log.Printf("Reconnect attempt failed: %v", err)
			m.notify(StateChange{State: types.StateReconnecting, Event: LifecycleConnectError, Err: err})
			continue
		}
		if !m.attach(ctx, gen, conn, LifecycleReconnect) {
			conn.Close()
		}
		return
	}
}

func (m *Manager) reconnectFailed(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.state = types.StateError
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	log.Printf("Reconnection gave up after %d attempts", m.cfg.MaxAttempts)
	m.notify(StateChange{State: types.StateError, Event: LifecycleReconnectFailed, Err: ErrRetriesFailed})
}

// Disconnect closes the transport from any state, cancelling pending
// reconnection, heartbeat and in-flight acks.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == types.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.notify(StateChange{State: types.StateDisconnected, Event: LifecycleDisconnect})
}

func (m *Manager) teardownLocked() {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.closeConnLocked()
	m.failPendingLocked(&types.ConnectionError{Op: "ack", Err: ErrDisconnected})
	m.state = types.StateDisconnected
}

func (m *Manager) closeConnLocked() {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			log.Printf("Error closing transport: %v", err)
		}
		m.conn = nil
	}
}

// failPendingLocked wakes every ack waiter with a nil envelope.
func (m *Manager) failPendingLocked(err error) {
	if len(m.pending) > 0 {
		log.Printf("Failing %d pending acks: %v", len(m.pending), err)
	}
	for id, waiter := range m.pending {
		close(waiter)
		delete(m.pending, id)
	}
}

// Reconnect drops any current connection and connects again. It is the way out
// of the error state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.teardownLocked()
	m.stats.ReconnectCount++
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.ReconnectAttempt()
	}
	return m.Connect(ctx)
}

// Emit sends a fire-and-forget command. When not connected nothing is written
// and ErrNotConnected is returned; the event is not buffered.
func (m *Manager) Emit(ev types.Event) error {
	env, err := types.NewEnvelope(ev, "")
	if err != nil {
		return err
	}
	conn, ok := m.liveConn()
	if !ok {
		log.Printf("Dropping %s: not connected", ev.EventName())
		return ErrNotConnected
	}
	return m.write(conn, env)
}

// EmitWithAck sends a correlated command and waits for its ack. A zero timeout
// uses the configured default. A denial comes back as the ack plus its Err().
// TECHNICAL DISCOVERY: waiters are keyed by correlation id, so any number of
// requests for the same event may be in flight at once; a timeout only abandons
// the waiter, the transport is left alone
func (m *Manager) EmitWithAck(ctx context.Context, ev types.Event, timeout time.Duration) (*types.Ack, error) {
	if timeout <= 0 {
		timeout = m.cfg.AckTimeout
	}
	id := m.newID()
	env, err := types.NewEnvelope(ev, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.state != types.StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, &types.ConnectionError{Op: "emit", Err: ErrNotConnected}
	}
	conn := m.conn
	waiter := make(chan *types.Envelope, 1)
	m.pending[id] = waiter
	m.mu.Unlock()

	if err := m.write(conn, env); err != nil {
		m.forget(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, &types.ConnectionError{Op: "ack", Err: ErrDisconnected}
		}
		ack := &types.Ack{}
		if len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, ack); err != nil {
				return nil, fmt.Errorf("failed to decode ack for %s: %w", ev.EventName(), err)
			}
		}
		return ack, ack.Err()
	case <-timer.C:
		m.forget(id)
		return nil, &types.AckTimeoutError{Event: ev.EventName(), ID: id, Timeout: timeout}
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) liveConn() (interfaces.TransportConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.StateConnected || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}

func (m *Manager) write(conn interfaces.TransportConn, env *types.Envelope) error {
	if err := conn.Write(env); err != nil {
		return &types.ConnectionError{Op: "write", Err: err}
	}
	m.mu.Lock()
	m.stats.MessagesSent++
	m.stats.LastActivity = time.Now()
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.EventSent(env.Event)
	}
	return nil
}

// heartbeatLoop pings while connected and records the round trip.
func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := time.Now()
		_, err := m.EmitWithAck(ctx, types.Ping{SentAt: start}, m.cfg.HeartbeatInterval)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Heartbeat failed: %v", err)
			}
			continue
		}
		latency := time.Since(start)
		m.mu.Lock()
		if gen == m.generation {
			m.stats.Latency = latency
		}
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.HeartbeatLatency(latency)
		}
	}
}

func (m *Manager) notify(change StateChange) {
	m.cbMu.Lock()
	fn := m.onState
	m.cbMu.Unlock()
	if fn != nil {
		fn(change)
	}
}
