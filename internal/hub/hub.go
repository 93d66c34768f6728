// Package hub is the authoritative server side of every classroom.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"seminar/internal/router"
	"seminar/internal/websocket"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Recorder receives hub activity, e.g. for metrics.
type Recorder interface {
	EventReceived(name types.EventName)
	EventSent(name types.EventName)
	VoteCast(outcome string)
	LevelTransition(cause string)
}

type nopRecorder struct{}

func (nopRecorder) EventReceived(types.EventName) {}
func (nopRecorder) EventSent(types.EventName)     {}
func (nopRecorder) VoteCast(string)               {}
func (nopRecorder) LevelTransition(string)        {}

// Timer arms fire after d and returns its cancel function. fire runs on a
// foreign goroutine; the hub posts the real work back into its loop.
type Timer func(d time.Duration, fire func()) (cancel func())

func afterFunc(d time.Duration, fire func()) func() {
	t := time.AfterFunc(d, fire)
	return func() { t.Stop() }
}

// Config wires optional collaborators. Zero values are usable.
type Config struct {
	// AllowRetreat lets the teacher set a lower dialogue level.
	AllowRetreat bool
	// RequireRoster rejects ballots from students missing from the roster.
	RequireRoster bool
	// AITimeout bounds one dialogue service call.
	AITimeout time.Duration
	// HistoryWindow is how many recent messages the dialogue service sees.
	HistoryWindow int
	// ArchiveQueue buffers archive writes behind the loop.
	ArchiveQueue int

	Archive  interfaces.ArchiveStore
	AI       interfaces.DialogueService
	Recorder Recorder
	Timer    Timer
	Now      func() time.Time
	// OnEnded is called from the loop after a classroom ended.
	OnEnded func(code string)
}

// Hub coordinates every classroom mutation
// ARCHITECTURAL DISCOVERY: one goroutine owns all classroom state. Websocket read
// loops, HTTP handlers, vote timers and AI results only post work over channels,
// so stores, dialogue machines and voting engines never need locks
type Hub struct {
	commandChannel    chan *inbound
	disconnectChannel chan interfaces.Connection
	taskChannel       chan func()
	shutdownChannel   chan struct{}

	registry *websocket.Registry
	router   *router.Router
	cfg      Config
	archive  *archiver

	// owned by the loop goroutine
	rooms map[string]*room

	// ctx bounds work started off the loop, e.g. dialogue service calls
	ctx    context.Context
	cancel context.CancelFunc

	running bool
	stopped bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

type inbound struct {
	conn interfaces.Connection
	env  *types.Envelope
}

// NewHub creates a hub routing through rt. Call Start before use.
func NewHub(registry *websocket.Registry, rt *router.Router, cfg Config) *Hub {
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Timer == nil {
		cfg.Timer = afterFunc
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = 30 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.ArchiveQueue <= 0 {
		cfg.ArchiveQueue = 256
	}
	return &Hub{
		// TECHNICAL DISCOVERY: 1000 buffer absorbs classroom command bursts
		commandChannel:    make(chan *inbound, 1000),
		disconnectChannel: make(chan interfaces.Connection, 100),
		taskChannel:       make(chan func(), 100),
		shutdownChannel:   make(chan struct{}),
		registry:          registry,
		router:            rt,
		cfg:               cfg,
		archive:           newArchiver(cfg.Archive, cfg.ArchiveQueue),
		rooms:             make(map[string]*room),
	}
}

var (
	_ websocket.CommandSink          = (*Hub)(nil)
	_ interfaces.ClassroomController = (*Hub)(nil)
)

// Start begins processing. A stopped hub cannot be restarted.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(ctx)

	log.Println("Starting classroom hub...")
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.run(h.ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.archive.run(h.shutdownChannel)
	}()
	return nil
}

// Stop ends the loop and waits for it and the archive writer to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	log.Println("Stopping classroom hub...")
	close(h.shutdownChannel)
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Submit queues an inbound command. Implements websocket.CommandSink.
// TECHNICAL DISCOVERY: non-blocking send keeps a slow loop from stalling read loops;
// the handler turns the error into a denial ack
func (h *Hub) Submit(conn interfaces.Connection, env *types.Envelope) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.commandChannel <- &inbound{conn: conn, env: env}:
		return nil
	default:
		return ErrCommandChannelFull
	}
}

// Disconnected queues the cleanup of a closed connection. Implements websocket.CommandSink.
func (h *Hub) Disconnected(conn interfaces.Connection) {
	if !h.isRunning() {
		return
	}
	select {
	case h.disconnectChannel <- conn:
	case <-h.shutdownChannel:
	}
}

// post runs fn on the loop. It must never be called from the loop itself.
func (h *Hub) post(fn func()) {
	select {
	case h.taskChannel <- fn:
	case <-h.shutdownChannel:
	}
}

// call runs fn on the loop and waits for it to finish.
func (h *Hub) call(ctx context.Context, fn func()) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case h.taskChannel <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer log.Println("Hub processing stopped")
	defer h.stopTimers()

	for {
		select {
		case in := <-h.commandChannel:
			h.handleCommand(in)

		case conn := <-h.disconnectChannel:
			h.handleDisconnect(conn)

		case task := <-h.taskChannel:
			h.runTask(task)

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

func (h *Hub) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in hub task: %v", r)
		}
	}()
	task()
}

func (h *Hub) stopTimers() {
	for _, rm := range h.rooms {
		rm.voting.Stop()
	}
}

// broadcast sends ev to the audience of code and counts it once.
func (h *Hub) broadcast(code string, audience router.Audience, ev types.Event, exclude string) {
	h.router.Broadcast(code, audience, ev, exclude)
	h.cfg.Recorder.EventSent(ev.EventName())
}

func (h *Hub) send(conn interfaces.Connection, ev types.Event) {
	if err := conn.Send(ev, ""); err != nil {
		log.Printf("Failed to send %s to %s: %v", ev.EventName(), conn.GetUserID(), err)
		return
	}
	h.cfg.Recorder.EventSent(ev.EventName())
}

func (h *Hub) reply(conn interfaces.Connection, id string, err error, data interface{}) {
	if id == "" {
		if err != nil {
			log.Printf("Command from %s denied: %v", conn.GetUserID(), err)
		}
		return
	}
	router.Reply(conn, id, err, data)
	h.cfg.Recorder.EventSent(types.EventAck)
}
