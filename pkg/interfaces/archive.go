package interfaces

import (
	"context"
	"time"

	"seminar/pkg/types"
)

// ArchiveStore persists classroom state for bootstrap and restore.
// FUNCTIONAL DISCOVERY: live operation never waits on the archive, it is consulted
// at startup and written behind the hub
type ArchiveStore interface {
	// SaveClassroom upserts the classroom row and its snapshot
	SaveClassroom(ctx context.Context, session *types.ClassroomSession) error

	// GetClassroom loads one archived classroom by code
	GetClassroom(ctx context.Context, code string) (*types.ClassroomSession, error)

	// ListRestorable returns classrooms that are not ended and not expired at now
	ListRestorable(ctx context.Context, now time.Time) ([]*types.ClassroomSession, error)

	// StoreMessage appends one dialogue message
	StoreMessage(ctx context.Context, code string, message *types.Message) error

	// GetHistory returns the messages of a classroom in timestamp order
	GetHistory(ctx context.Context, code string) ([]types.Message, error)

	// StoreVote upserts a vote snapshot
	StoreVote(ctx context.Context, code string, vote *types.VoteData) error

	HealthCheck(ctx context.Context) error

	Close() error
}
