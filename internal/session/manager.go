// Package session creates classrooms, restores them after a restart and ends
// them when their lifetime runs out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"seminar/internal/classroom"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Host runs live classrooms. Implemented by the hub.
type Host interface {
	interfaces.ClassroomController
	Open(ctx context.Context, session types.ClassroomSession) error
	Sweep(ctx context.Context, now time.Time) ([]string, error)
}

// Config tunes the manager. Zero values are usable.
type Config struct {
	// CodeAttempts bounds code regeneration after collisions.
	CodeAttempts int
	// SweepInterval is how often expired classrooms are ended.
	SweepInterval time.Duration
	Now           func() time.Time
}

// Manager implements interfaces.ClassroomManager
// ARCHITECTURAL DISCOVERY: the manager only tracks which codes are in use; the
// classroom state itself lives in the hub loop and is reached through Host
type Manager struct {
	host    Host
	archive interfaces.ArchiveStore
	cfg     Config

	active  map[string]time.Time // code -> expiresAt
	mu      sync.RWMutex
	running bool
}

var _ interfaces.ClassroomManager = (*Manager)(nil)

// NewManager creates a classroom manager. archive may be nil.
func NewManager(host Host, archive interfaces.ArchiveStore, cfg Config) *Manager {
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = classroom.DefaultCodeAttempts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		host:    host,
		archive: archive,
		cfg:     cfg,
		active:  make(map[string]time.Time),
	}
}

// CreateClassroom publishes a new classroom owned by teacherID. An empty
// teacherID gets a generated one.
func (m *Manager) CreateClassroom(ctx context.Context, teacherID string) (*types.ClassroomSession, error) {
	if teacherID == "" {
		teacherID = uuid.NewString()
	}
	if !types.IsValidParticipantID(teacherID) {
		return nil, types.NewValidationError("teacherId", ErrInvalidTeacherID)
	}

	now := m.cfg.Now()
	expiresAt := now.Add(types.ClassroomTTL)

	// reserve the code before publishing so concurrent creates never share one
	m.mu.Lock()
	code, err := classroom.GenerateUniqueCode(uuid.NewString(), func(code string) bool {
		_, taken := m.active[code]
		return taken
	}, m.cfg.CodeAttempts)
	if err == nil {
		m.active[code] = expiresAt
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	session := classroom.NewStore(code, teacherID, now).Snapshot()
	if err := m.host.Open(ctx, session); err != nil {
		m.Forget(code)
		return nil, fmt.Errorf("failed to open classroom %s: %w", code, err)
	}
	if m.archive != nil {
		if err := m.archive.SaveClassroom(ctx, &session); err != nil {
			log.Printf("Failed to archive new classroom %s: %v", code, err)
		}
	}

	log.Printf("Created classroom: code=%s teacher=%s expires=%s", code, teacherID, expiresAt.Format(time.RFC3339))
	return &session, nil
}

// Restore reopens every archived classroom that has not ended or expired.
// Returns the number of classrooms restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.archive == nil {
		return 0, nil
	}
	sessions, err := m.archive.ListRestorable(ctx, m.cfg.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to load restorable classrooms: %w", err)
	}

	restored := 0
	for _, session := range sessions {
		// the message table is written per message, the snapshot only on state changes
		if history, err := m.archive.GetHistory(ctx, session.Code); err == nil && len(history) > len(session.Messages) {
			session.Messages = history
		}
		if err := m.host.Open(ctx, *session); err != nil {
			log.Printf("Failed to restore classroom %s: %v", session.Code, err)
			continue
		}
		m.mu.Lock()
		m.active[session.Code] = session.ExpiresAt
		m.mu.Unlock()
		restored++
	}
	log.Printf("Restored %d classrooms", restored)
	return restored, nil
}

// Get returns a live classroom, falling back to the archive for ended ones.
func (m *Manager) Get(ctx context.Context, code string) (*types.ClassroomSession, error) {
	code, err := types.ValidateClassroomCode(code)
	if err != nil {
		return nil, err
	}
	session, err := m.host.Snapshot(ctx, code)
	if err == nil || m.archive == nil || !errors.Is(err, interfaces.ErrClassroomNotFound) {
		return session, err
	}
	return m.archive.GetClassroom(ctx, code)
}

// End ends a live classroom.
func (m *Manager) End(ctx context.Context, code string) error {
	code, err := types.ValidateClassroomCode(code)
	if err != nil {
		return err
	}
	return m.host.EndClassroom(ctx, code)
}

// Forget releases code once its classroom ended. Wired as the hub's OnEnded hook.
func (m *Manager) Forget(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, code)
}

// ActiveCodes lists the codes in use, sorted.
func (m *Manager) ActiveCodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	codes := make([]string, 0, len(m.active))
	for code := range m.active {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Sweep ends the classrooms whose lifetime elapsed.
func (m *Manager) Sweep(ctx context.Context) error {
	ended, err := m.host.Sweep(ctx, m.cfg.Now())
	if err != nil {
		return err
	}
	for _, code := range ended {
		m.Forget(code)
		log.Printf("Classroom expired: code=%s", code)
	}
	return nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Classroom sweep failed: %v", err)
			}
		}
	}
}
