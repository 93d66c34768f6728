package websocket

import (
	"log"
	"sort"
	"sync"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Registry tracks joined connections by participant and by classroom.
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
type Registry struct {
	mu       sync.RWMutex
	users    map[string]interfaces.Connection            // userID -> connection
	teachers map[string]map[string]interfaces.Connection // code -> userID -> connection
	students map[string]map[string]interfaces.Connection // code -> userID -> connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]interfaces.Connection),
		teachers: make(map[string]map[string]interfaces.Connection),
		students: make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds a joined connection. A previous connection of the same
// participant is replaced and closed.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}
	userID := conn.GetUserID()
	code := conn.GetClassroomCode()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.users[userID]; ok && existing != conn {
		r.removeLocked(existing)
		// FUNCTIONAL DISCOVERY: Close asynchronously, Close may block on the socket
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection of %s: %v", userID, err)
			}
		}()
	}

	r.users[userID] = conn
	byRole := r.students
	if conn.GetRole() == types.RoleTeacher {
		byRole = r.teachers
	}
	if byRole[code] == nil {
		byRole[code] = make(map[string]interfaces.Connection)
	}
	byRole[code][userID] = conn
	return nil
}

// Unregister removes conn if it is still the registered connection of its
// participant, so a stale socket never evicts its replacement. Reports
// whether anything was removed.
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if registered, ok := r.users[conn.GetUserID()]; !ok || registered != conn {
		return false
	}
	r.removeLocked(conn)
	return true
}

func (r *Registry) removeLocked(conn interfaces.Connection) {
	userID := conn.GetUserID()
	code := conn.GetClassroomCode()
	delete(r.users, userID)
	for _, byRole := range []map[string]map[string]interfaces.Connection{r.teachers, r.students} {
		if members, ok := byRole[code]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(byRole, code)
			}
		}
	}
}

// Get returns the connection of a participant.
func (r *Registry) Get(userID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.users[userID]
	return conn, ok
}

// ClassroomConnections returns teachers then students of a classroom.
func (r *Registry) ClassroomConnections(code string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(collect(r.teachers[code]), collect(r.students[code])...)
}

// ClassroomTeachers returns the teacher connections of a classroom.
func (r *Registry) ClassroomTeachers(code string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.teachers[code])
}

// ClassroomStudents returns the student connections of a classroom.
func (r *Registry) ClassroomStudents(code string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.students[code])
}

// collect returns members ordered by user id so broadcasts are deterministic.
func collect(members map[string]interfaces.Connection) []interfaces.Connection {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]interfaces.Connection, 0, len(ids))
	for _, id := range ids {
		out = append(out, members[id])
	}
	return out
}

// Stats returns registry counters for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classrooms := make(map[string]bool)
	for code := range r.teachers {
		classrooms[code] = true
	}
	for code := range r.students {
		classrooms[code] = true
	}
	return map[string]int{
		"total_connections": len(r.users),
		"active_classrooms": len(classrooms),
	}
}
