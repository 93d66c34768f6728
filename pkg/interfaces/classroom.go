package interfaces

import (
	"context"

	"seminar/pkg/types"
)

// ClassroomManager owns classroom creation and the set of active codes.
type ClassroomManager interface {
	// CreateClassroom publishes a new classroom with a unique code
	CreateClassroom(ctx context.Context, teacherID string) (*types.ClassroomSession, error)

	// ActiveCodes lists codes of classrooms that have not ended
	ActiveCodes() []string
}

// ClassroomController performs reads and lifecycle changes on live classrooms.
// ARCHITECTURAL DISCOVERY: implemented by the hub so that HTTP goroutines never
// touch classroom state outside the single writer loop
type ClassroomController interface {
	Snapshot(ctx context.Context, code string) (*types.ClassroomSession, error)
	EndClassroom(ctx context.Context, code string) error
}
