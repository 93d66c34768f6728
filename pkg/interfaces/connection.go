package interfaces

import "seminar/pkg/types"

// Connection represents a server-side participant connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and the hub
type Connection interface {
	// WriteJSON sends a JSON frame to the participant (thread-safe)
	WriteJSON(v interface{}) error

	// Send wraps ev in an envelope with correlation id and writes it
	Send(ev types.Event, id string) error

	Close() error

	// GetUserID returns the participant id assigned at join
	GetUserID() string

	// GetRole returns types.RoleTeacher or types.RoleStudent
	GetRole() types.Role

	// GetClassroomCode returns the code of the classroom this connection joined
	GetClassroomCode() string

	IsAuthenticated() bool

	// SetCredentials binds the connection to a participant after a successful join
	SetCredentials(userID string, role types.Role, classroomCode string) error
}
