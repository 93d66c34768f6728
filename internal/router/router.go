// Package router decides who may send which command and who receives which event.
package router

import (
	"log"

	"seminar/internal/websocket"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Audience selects the recipients of a classroom event.
type Audience int

const (
	Everyone Audience = iota
	Teachers
	Students
)

// Router delivers events to registered connections.
// ARCHITECTURAL DISCOVERY: Pure routing decisions and delivery, no classroom state;
// the hub decides what happened, the router decides who hears about it
type Router struct {
	registry *websocket.Registry
	limiter  *RateLimiter
}

// NewRouter creates a router over registry. limiter may be nil.
func NewRouter(registry *websocket.Registry, limiter *RateLimiter) *Router {
	return &Router{registry: registry, limiter: limiter}
}

// Allow applies the per-participant rate limit.
func (r *Router) Allow(userID string) bool {
	return r.limiter.Allow(userID)
}

// Limiter exposes the rate limiter for periodic cleanup.
func (r *Router) Limiter() *RateLimiter { return r.limiter }

// Recipients returns the connections of classroom code in audience, minus exclude.
func (r *Router) Recipients(code string, audience Audience, exclude string) []interfaces.Connection {
	var conns []interfaces.Connection
	switch audience {
	case Teachers:
		conns = r.registry.ClassroomTeachers(code)
	case Students:
		conns = r.registry.ClassroomStudents(code)
	default:
		conns = r.registry.ClassroomConnections(code)
	}
	if exclude == "" {
		return conns
	}
	out := conns[:0]
	for _, c := range conns {
		if c.GetUserID() != exclude {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends ev to audience in classroom code and returns the number of
// successful deliveries.
// FUNCTIONAL DISCOVERY: Continue delivery to other recipients even if one fails
func (r *Router) Broadcast(code string, audience Audience, ev types.Event, exclude string) int {
	delivered := 0
	for _, conn := range r.Recipients(code, audience, exclude) {
		if err := conn.Send(ev, ""); err != nil {
			log.Printf("Failed to deliver %s to %s: %v", ev.EventName(), conn.GetUserID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo delivers ev to one participant.
func (r *Router) SendTo(userID string, ev types.Event) error {
	conn, ok := r.registry.Get(userID)
	if !ok {
		return ErrRecipientNotFound
	}
	return conn.Send(ev, "")
}

// Reply answers a correlated command. Commands sent without an id get no ack.
func Reply(conn interfaces.Connection, id string, err error, data interface{}) {
	if id == "" {
		if err != nil {
			log.Printf("Command from %s denied: %v", conn.GetUserID(), err)
		}
		return
	}
	ack := types.Ack{Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
		ack.Code = ErrorCode(err)
	} else if data != nil {
		if raw, mErr := marshalData(data); mErr == nil {
			ack.Data = raw
		} else {
			log.Printf("Failed to encode ack data: %v", mErr)
		}
	}
	if sendErr := conn.Send(ack, id); sendErr != nil {
		log.Printf("Failed to send ack to %s: %v", conn.GetUserID(), sendErr)
	}
}
