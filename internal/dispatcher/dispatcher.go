// Package dispatcher is the client side single writer: it applies inbound wire
// events to the classroom replica and turns user actions into wire commands.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"seminar/internal/classroom"
	"seminar/internal/connection"
	"seminar/internal/dialogue"
	"seminar/internal/router"
	"seminar/internal/voting"
	"seminar/pkg/types"
)

// Emitter is the outbound half of the connection manager.
type Emitter interface {
	Emit(ev types.Event) error
	EmitWithAck(ctx context.Context, ev types.Event, timeout time.Duration) (*types.Ack, error)
}

// Change is handed to observers after every applied event or state change.
type Change struct {
	Cause      types.EventName      // inbound event or outbound command, empty for connection changes
	Lifecycle  connection.Lifecycle // set for connection changes
	Connection types.ConnectionState
	Snapshot   types.ClassroomSession
	Proposal   *types.LevelProposed
}

// Observer reacts to a Change. Observers run after the mutation completed and
// outside the dispatcher lock, they must not assume the replica is unchanged.
type Observer func(Change)

type handler func(types.Event) error

// Dispatcher owns the replica of one classroom at a time.
// ARCHITECTURAL DISCOVERY: every mutation of the store, dialogue machine and voting
// engine happens under mu, so the store itself needs no lock; observers receive
// snapshots after the lock is released and therefore can never re-enter a mutation
type Dispatcher struct {
	emitter    Emitter
	ackTimeout time.Duration
	now        func() time.Time

	mu            sync.Mutex
	store         *classroom.Store
	dialogue      *dialogue.Machine
	voting        *voting.Engine
	role          types.Role
	participantID string
	joinRequest   *types.JoinClassroom
	connState     types.ConnectionState
	handlers      map[types.EventName]handler

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a dispatcher sending through emitter.
func New(emitter Emitter, ackTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		emitter:    emitter,
		ackTimeout: ackTimeout,
		now:        time.Now,
		connState:  types.StateDisconnected,
	}
	d.handlers = d.handlerTable()
	return d
}

// Subscribe registers an observer.
func (d *Dispatcher) Subscribe(o Observer) {
	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
}

// Snapshot returns a copy of the replica, zero when not in a classroom.
func (d *Dispatcher) Snapshot() types.ClassroomSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return types.ClassroomSession{}
	}
	return d.store.Snapshot()
}

// Identity returns the participant id and role assigned by the server.
func (d *Dispatcher) Identity() (string, types.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.participantID, d.role
}

// Participation returns the live vote's participation rate.
func (d *Dispatcher) Participation() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.voting == nil {
		return 0
	}
	return d.voting.Participation()
}

// Route decodes and applies one inbound envelope. Unknown or malformed events are
// logged and dropped; a panicking handler is recovered so the pipeline keeps going.
func (d *Dispatcher) Route(env *types.Envelope) {
	ev, err := types.DecodeEvent(env)
	if err != nil {
		log.Printf("Dropping inbound event %q: %v", env.Event, err)
		return
	}
	d.deliver(ev)
}

// RouteEvent applies an already decoded event. Value payloads are accepted too
// and are brought into the pointer form DecodeEvent produces.
func (d *Dispatcher) RouteEvent(ev types.Event) {
	ev, err := normalize(ev)
	if err != nil {
		log.Printf("Dropping inbound event: %v", err)
		return
	}
	d.deliver(ev)
}

func (d *Dispatcher) deliver(ev types.Event) {
	if change, ok := d.apply(ev); ok {
		d.notify(change)
	}
}

func normalize(ev types.Event) (types.Event, error) {
	env, err := types.NewEnvelope(ev, "")
	if err != nil {
		return nil, err
	}
	return types.DecodeEvent(env)
}

func (d *Dispatcher) apply(ev types.Event) (change Change, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic while handling %s: %v", ev.EventName(), r)
			ok = false
		}
	}()

	h, found := d.handlers[ev.EventName()]
	if !found {
		log.Printf("Dropping %s: %v", ev.EventName(), ErrNoHandler)
		return Change{}, false
	}
	if d.store == nil {
		log.Printf("Dropping %s: %v", ev.EventName(), ErrNotJoined)
		return Change{}, false
	}
	if err := h(ev); err != nil {
		log.Printf("Event %s not applied: %v", ev.EventName(), err)
		return Change{}, false
	}
	return d.changeLocked(ev.EventName(), ""), true
}

func (d *Dispatcher) changeLocked(cause types.EventName, lifecycle connection.Lifecycle) Change {
	c := Change{Cause: cause, Lifecycle: lifecycle, Connection: d.connState}
	if d.store != nil {
		c.Snapshot = d.store.Snapshot()
	}
	if d.dialogue != nil {
		if level, eval, ok := d.dialogue.Pending(); ok {
			c.Proposal = &types.LevelProposed{Level: level, Evaluation: eval}
		}
	}
	return c
}

func (d *Dispatcher) notify(c Change) {
	d.obsMu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.obsMu.RUnlock()
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Recovered from observer panic: %v", r)
				}
			}()
			o(c)
		}()
	}
}

// HandleStateChange maps connection lifecycle events onto the replica.
// After a successful automatic reconnect the classroom is rejoined so the server
// answers with a fresh state_sync.
func (d *Dispatcher) HandleStateChange(sc connection.StateChange) {
	d.mu.Lock()
	d.connState = sc.State
	if d.store != nil {
		d.store.SetConnectionStatus(sc.State)
	}
	var rejoin *types.JoinClassroom
	if sc.Event == connection.LifecycleReconnect && d.joinRequest != nil {
		req := *d.joinRequest
		req.StudentID = d.participantID
		rejoin = &req
	}
	change := d.changeLocked("", sc.Event)
	d.mu.Unlock()

	d.notify(change)
	if rejoin != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout())
			defer cancel()
			if _, err := d.emitter.EmitWithAck(ctx, *rejoin, d.ackTimeout); err != nil {
				log.Printf("Rejoin of %s failed: %v", rejoin.Code, err)
			}
		}()
	}
}

func (d *Dispatcher) timeout() time.Duration {
	if d.ackTimeout > 0 {
		return d.ackTimeout + time.Second
	}
	return 15 * time.Second
}

// Join validates req, creates the replica and sends join_classroom.
// The replica exists before the request leaves so the state_sync that follows
// the ack is never dropped.
func (d *Dispatcher) Join(ctx context.Context, req types.JoinClassroom) (*types.JoinResult, error) {
	code, err := types.ValidateClassroomCode(req.Code)
	if err != nil {
		return nil, err
	}
	req.Code = code
	if !req.IsTeacher {
		name, err := types.NormalizeDisplayName(req.StudentName)
		if err != nil {
			return nil, err
		}
		req.StudentName = name
	}

	d.mu.Lock()
	if d.store != nil {
		d.mu.Unlock()
		return nil, types.NewStateConflict(ErrAlreadyJoined)
	}
	d.installLocked(code)
	d.mu.Unlock()

	ack, err := d.emitter.EmitWithAck(ctx, req, d.ackTimeout)
	if err != nil {
		d.mu.Lock()
		d.discardLocked()
		d.mu.Unlock()
		return nil, translate(err)
	}
	var result types.JoinResult
	if err := ack.Decode(&result); err != nil {
		d.mu.Lock()
		d.discardLocked()
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to decode join result: %w", err)
	}

	d.mu.Lock()
	d.participantID = result.ParticipantID
	d.role = result.Role
	d.joinRequest = &req
	change := d.changeLocked(types.CommandJoinClassroom, "")
	d.mu.Unlock()
	d.notify(change)
	return &result, nil
}

func (d *Dispatcher) installLocked(code string) {
	d.store = classroom.NewStore(code, "", d.now())
	d.store.SetConnectionStatus(d.connState)
	d.dialogue = dialogue.NewMachine(d.store, true)
	d.voting = voting.NewEngine(d.store, voting.Options{Now: d.now})
}

func (d *Dispatcher) discardLocked() {
	if d.store != nil {
		d.store.ResetStore()
	}
	d.store = nil
	d.dialogue = nil
	d.voting = nil
	d.role = ""
	d.participantID = ""
	d.joinRequest = nil
}

// Leave sends leave_classroom and discards the replica whatever the outcome.
func (d *Dispatcher) Leave(ctx context.Context) error {
	d.mu.Lock()
	joined := d.store != nil
	d.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	_, err := d.emitter.EmitWithAck(ctx, types.LeaveClassroom{}, d.ackTimeout)

	d.mu.Lock()
	d.discardLocked()
	change := d.changeLocked(types.CommandLeaveClassroom, "")
	d.mu.Unlock()
	d.notify(change)
	return translate(err)
}

// Dispatch validates and authorizes an outbound action, then sends it.
// FUNCTIONAL DISCOVERY: validation and authorization failures return before anything
// reaches the network; commands expressing user intent wait for an ack so denials
// surface to the caller, hand status updates are fire-and-forget
func (d *Dispatcher) Dispatch(ctx context.Context, action types.Event) (*types.Ack, error) {
	switch a := action.(type) {
	case types.JoinClassroom:
		result, err := d.Join(ctx, a)
		if err != nil {
			return nil, err
		}
		return ackWith(result), nil
	case types.LeaveClassroom:
		return &types.Ack{Success: true}, d.Leave(ctx)
	}

	d.mu.Lock()
	joined, role := d.store != nil, d.role
	d.mu.Unlock()
	if !joined {
		return nil, ErrNotJoined
	}
	if err := router.Authorize(role, action.EventName()); err != nil {
		return nil, err
	}
	action, err := validate(action)
	if err != nil {
		return nil, err
	}

	if !router.NeedsAck(action.EventName()) {
		d.applyOptimistic(action)
		if err := d.emitter.Emit(action); err != nil {
			return nil, err
		}
		return nil, nil
	}
	ack, err := d.emitter.EmitWithAck(ctx, action, d.ackTimeout)
	return ack, translate(err)
}

// validate runs the local checks of each command and returns the normalized action.
func validate(action types.Event) (types.Event, error) {
	switch a := action.(type) {
	case types.CreateVote:
		if err := a.Validate(); err != nil {
			return nil, err
		}
		return a, nil
	case *types.CreateVote:
		if err := a.Validate(); err != nil {
			return nil, err
		}
		return *a, nil
	case types.SendMessage:
		content, err := types.ValidateContent(a.Content)
		if err != nil {
			return nil, err
		}
		a.Content = content
		return a, nil
	case types.CastVote:
		if a.VoteID == "" || len(a.Selection()) == 0 {
			return nil, types.NewValidationError("choiceId", types.ErrEmptyChoice)
		}
		return a, nil
	case types.SetLevel:
		if err := types.ValidateLevel(a.Level); err != nil {
			return nil, err
		}
		return a, nil
	case types.SetControlMode:
		if err := types.ValidateControlMode(a.Mode); err != nil {
			return nil, err
		}
		return a, nil
	case types.SetQuestion:
		content, err := types.ValidateContent(a.Question)
		if err != nil {
			return nil, err
		}
		a.Question = content
		return a, nil
	default:
		return action, nil
	}
}

// applyOptimistic mirrors own hand status locally; the server's events win later.
func (d *Dispatcher) applyOptimistic(action types.Event) {
	var raised bool
	switch action.(type) {
	case types.RaiseHand:
		raised = true
	case types.LowerHand:
		raised = false
	default:
		return
	}
	d.mu.Lock()
	if d.store == nil || d.participantID == "" {
		d.mu.Unlock()
		return
	}
	err := d.store.UpdateStudentStatus(d.participantID, classroom.StudentUpdate{HandRaised: &raised, At: d.now()})
	change := d.changeLocked(action.EventName(), "")
	d.mu.Unlock()
	if err == nil {
		d.notify(change)
	}
}

// translate rebuilds typed errors from remote denials.
func translate(err error) error {
	var remote *types.RemoteError
	if !errors.As(err, &remote) {
		return err
	}
	switch remote.Code {
	case types.CodeConflict, types.CodeClassroomDone:
		return types.NewStateConflict(remote)
	case types.CodeValidation:
		return types.NewValidationError("", remote)
	default:
		return err
	}
}

func ackWith(v interface{}) *types.Ack {
	ack := &types.Ack{Success: true}
	if raw, err := json.Marshal(v); err == nil {
		ack.Data = raw
	}
	return ack
}
