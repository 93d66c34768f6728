package classroom

import (
	"sort"
	"time"

	"seminar/pkg/types"
)

// Store is the canonical in-memory state of one classroom.
// ARCHITECTURAL DISCOVERY: Store has no lock. It is mutated by exactly one owner
// (the dispatcher on a client, the hub loop on the server) and must never be
// re-entered while a mutation is running. Observers read Snapshot copies.
type Store struct {
	session    types.ClassroomSession
	connection types.ConnectionState
}

// NewStore creates the state for classroom code, created at createdAt.
func NewStore(code, teacherID string, createdAt time.Time) *Store {
	s := &Store{
		session: types.ClassroomSession{
			Code:      code,
			TeacherID: teacherID,
			CreatedAt: createdAt,
			ExpiresAt: createdAt.Add(types.ClassroomTTL),
		},
		connection: types.StateDisconnected,
	}
	s.clear()
	return s
}

// FromSnapshot rebuilds a store from a previously taken snapshot.
func FromSnapshot(snapshot types.ClassroomSession) *Store {
	s := &Store{session: snapshot, connection: types.StateDisconnected}
	if s.session.Students == nil {
		s.session.Students = make(map[string]types.StudentInfo)
	}
	if !s.session.Level.Valid() {
		s.session.Level = types.LevelObservation
	}
	if !s.session.ControlMode.Valid() {
		s.session.ControlMode = types.ControlManual
	}
	if s.session.Status == "" {
		s.session.Status = types.StatusWaiting
	}
	return s
}

func (s *Store) clear() {
	s.session.Students = make(map[string]types.StudentInfo)
	s.session.CurrentQuestion = ""
	s.session.CurrentVote = nil
	s.session.Level = types.LevelObservation
	s.session.Messages = nil
	if !s.session.ControlMode.Valid() {
		s.session.ControlMode = types.ControlManual
	}
	if s.session.Status == "" {
		s.session.Status = types.StatusWaiting
	}
}

func (s *Store) writable() error {
	if s.session.Status == types.StatusEnded {
		return ErrClassroomEnded
	}
	return nil
}

// Code returns the classroom code.
func (s *Store) Code() string { return s.session.Code }

// TeacherID returns the id of the classroom's teacher.
func (s *Store) TeacherID() string { return s.session.TeacherID }

// Status returns the lifecycle status.
func (s *Store) Status() types.ClassroomStatus { return s.session.Status }

// Level returns the current dialogue level.
func (s *Store) Level() types.DialogueLevel { return s.session.Level }

// ControlMode returns the current control mode.
func (s *Store) ControlMode() types.ControlMode { return s.session.ControlMode }

// CurrentQuestion returns the question under discussion.
func (s *Store) CurrentQuestion() string { return s.session.CurrentQuestion }

// ExpiresAt returns the expiry instant.
func (s *Store) ExpiresAt() time.Time { return s.session.ExpiresAt }

// ConnectionStatus returns the last transport state recorded by the owner.
func (s *Store) ConnectionStatus() types.ConnectionState { return s.connection }

// Vote returns the live vote. The pointer is owned by the store, callers
// other than the voting engine must treat it as read-only.
func (s *Store) Vote() *types.VoteData { return s.session.CurrentVote }

// StudentCount returns the roster size.
func (s *Store) StudentCount() int { return len(s.session.Students) }

// Student looks up one roster entry.
func (s *Store) Student(id string) (types.StudentInfo, bool) {
	info, ok := s.session.Students[id]
	return info, ok
}

// Students returns the roster ordered by join time.
func (s *Store) Students() []types.StudentInfo {
	out := make([]types.StudentInfo, 0, len(s.session.Students))
	for _, info := range s.session.Students {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Messages returns a copy of the dialogue history.
func (s *Store) Messages() []types.Message {
	return append([]types.Message(nil), s.session.Messages...)
}

// HasMessage reports whether a message with id is already in the history.
func (s *Store) HasMessage(id string) bool {
	for i := len(s.session.Messages) - 1; i >= 0; i-- {
		if s.session.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// AddStudent inserts or overwrites the roster entry for info.ID.
// FUNCTIONAL DISCOVERY: idempotent by id so replayed join events never duplicate
func (s *Store) AddStudent(info types.StudentInfo) error {
	if err := s.writable(); err != nil {
		return err
	}
	if info.ID == "" {
		return ErrInvalidStudent
	}
	s.session.Students[info.ID] = info
	return nil
}

// RemoveStudent deletes the roster entry. Absent ids are a no-op.
func (s *Store) RemoveStudent(id string) error {
	if err := s.writable(); err != nil {
		return err
	}
	delete(s.session.Students, id)
	return nil
}

// StudentUpdate lists the status fields to change; nil fields are kept.
type StudentUpdate struct {
	IsOnline   *bool
	HandRaised *bool
	At         time.Time
}

// UpdateStudentStatus applies update to one student.
func (s *Store) UpdateStudentStatus(id string, update StudentUpdate) error {
	if err := s.writable(); err != nil {
		return err
	}
	info, ok := s.session.Students[id]
	if !ok {
		return ErrStudentNotFound
	}
	if update.IsOnline != nil {
		info.IsOnline = *update.IsOnline
	}
	if update.HandRaised != nil {
		info.HandRaised = *update.HandRaised
		if info.HandRaised {
			at := update.At
			info.HandRaisedAt = &at
		} else {
			info.HandRaisedAt = nil
		}
	}
	if !update.At.IsZero() {
		info.LastActiveAt = update.At
	}
	s.session.Students[id] = info
	return nil
}

// SetCurrentQuestion replaces the question under discussion.
func (s *Store) SetCurrentQuestion(question string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.session.CurrentQuestion = question
	return nil
}

// SetConnectionStatus records the transport state. Allowed after the classroom ended
// because it describes the local link, not the classroom.
func (s *Store) SetConnectionStatus(state types.ConnectionState) {
	s.connection = state
}

// SetLevel writes the dialogue level. Transition rules live in the dialogue package.
func (s *Store) SetLevel(level types.DialogueLevel) error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := types.ValidateLevel(level); err != nil {
		return err
	}
	s.session.Level = level
	return nil
}

// SetControlMode writes the control mode.
func (s *Store) SetControlMode(mode types.ControlMode) error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := types.ValidateControlMode(mode); err != nil {
		return err
	}
	s.session.ControlMode = mode
	return nil
}

// SetVote replaces the live vote; nil clears it. Used by the voting engine.
func (s *Store) SetVote(vote *types.VoteData) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.session.CurrentVote = vote
	return nil
}

// SetTeacher records the teacher's participant id.
func (s *Store) SetTeacher(id string) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.session.TeacherID = id
	return nil
}

// AppendMessage adds a message to the dialogue history.
func (s *Store) AppendMessage(message types.Message) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.session.Messages = append(s.session.Messages, message)
	return nil
}

// FinishStreaming clears the streaming flag, the only change allowed on a
// message after it was appended.
func (s *Store) FinishStreaming(id string) error {
	if err := s.writable(); err != nil {
		return err
	}
	for i := len(s.session.Messages) - 1; i >= 0; i-- {
		if s.session.Messages[i].ID == id {
			s.session.Messages[i].Streaming = false
			return nil
		}
	}
	return nil
}

// Activate moves a waiting classroom to active.
func (s *Store) Activate() error {
	if err := s.writable(); err != nil {
		return err
	}
	s.session.Status = types.StatusActive
	return nil
}

// End marks the classroom ended. Ending twice is an error.
func (s *Store) End() error {
	if err := s.writable(); err != nil {
		return err
	}
	s.session.Status = types.StatusEnded
	if s.session.CurrentVote != nil {
		s.session.CurrentVote.IsEnded = true
	}
	return nil
}

// ResetStore clears students, vote, question, level and history back to defaults.
// Used on leave and on hard errors; identity fields are kept.
func (s *Store) ResetStore() {
	s.clear()
	s.connection = types.StateDisconnected
}

// ApplySync merges an authoritative partial snapshot.
// TECHNICAL DISCOVERY: last-writer-wins per field, every field present in the
// sync overwrites the local value, absent fields are left alone
func (s *Store) ApplySync(sync types.SessionSync) error {
	if err := s.writable(); err != nil {
		return err
	}
	if sync.Code != nil {
		s.session.Code = *sync.Code
	}
	if sync.TeacherID != nil {
		s.session.TeacherID = *sync.TeacherID
	}
	if sync.CreatedAt != nil {
		s.session.CreatedAt = *sync.CreatedAt
	}
	if sync.ExpiresAt != nil && sync.ExpiresAt.After(s.session.CreatedAt) {
		s.session.ExpiresAt = *sync.ExpiresAt
	}
	if sync.Students != nil {
		students := make(map[string]types.StudentInfo, len(sync.Students))
		for id, info := range sync.Students {
			students[id] = info
		}
		s.session.Students = students
	}
	if sync.CurrentQuestion != nil {
		s.session.CurrentQuestion = *sync.CurrentQuestion
	}
	if sync.CurrentVote != nil {
		s.session.CurrentVote = sync.CurrentVote.Clone()
	} else if sync.ClearVote {
		s.session.CurrentVote = nil
	}
	if sync.Level != nil && sync.Level.Valid() {
		s.session.Level = *sync.Level
	}
	if sync.ControlMode != nil && sync.ControlMode.Valid() {
		s.session.ControlMode = *sync.ControlMode
	}
	if sync.Messages != nil {
		s.session.Messages = append([]types.Message(nil), sync.Messages...)
	}
	// status last so an ended sync still delivers its final fields
	if sync.Status != nil {
		s.session.Status = *sync.Status
	}
	return nil
}

// Snapshot returns a deep copy safe to hand to observers.
func (s *Store) Snapshot() types.ClassroomSession {
	out := s.session
	out.Students = make(map[string]types.StudentInfo, len(s.session.Students))
	for id, info := range s.session.Students {
		if info.HandRaisedAt != nil {
			at := *info.HandRaisedAt
			info.HandRaisedAt = &at
		}
		out.Students[id] = info
	}
	out.CurrentVote = s.session.CurrentVote.Clone()
	out.Messages = append([]types.Message(nil), s.session.Messages...)
	return out
}
