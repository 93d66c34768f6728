package types

import (
	"sort"
	"time"
)

// ClassroomTTL is the lifetime of a classroom measured from its creation.
const ClassroomTTL = 6 * time.Hour

// ClassroomCodeLength is the exact length of a join code.
const ClassroomCodeLength = 6

// Vote choice bounds
const (
	MinVoteChoices = 2
	MaxVoteChoices = 5
)

// Role identifies who is on the other end of a connection or who authored a message.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAgent   Role = "agent"
	RoleSystem  Role = "system"
)

// ClassroomStatus is the lifecycle state of a classroom.
// FUNCTIONAL DISCOVERY: ended is terminal, every mutation after it is rejected
type ClassroomStatus string

const (
	StatusWaiting ClassroomStatus = "waiting"
	StatusActive  ClassroomStatus = "active"
	StatusEnded   ClassroomStatus = "ended"
)

// DialogueLevel is one of the five ordered stages of the Socratic dialogue.
type DialogueLevel int

const (
	LevelObservation DialogueLevel = iota + 1
	LevelFacts
	LevelAnalysis
	LevelApplication
	LevelValues
)

// Valid reports whether the level is within OBSERVATION..VALUES.
func (l DialogueLevel) Valid() bool {
	return l >= LevelObservation && l <= LevelValues
}

// Next returns the following level, capped at VALUES.
func (l DialogueLevel) Next() DialogueLevel {
	if l >= LevelValues {
		return LevelValues
	}
	if l < LevelObservation {
		return LevelObservation
	}
	return l + 1
}

func (l DialogueLevel) String() string {
	switch l {
	case LevelObservation:
		return "OBSERVATION"
	case LevelFacts:
		return "FACTS"
	case LevelAnalysis:
		return "ANALYSIS"
	case LevelApplication:
		return "APPLICATION"
	case LevelValues:
		return "VALUES"
	default:
		return "UNKNOWN"
	}
}

// ControlMode governs who may trigger a level transition.
type ControlMode string

const (
	ControlAuto     ControlMode = "AUTO"
	ControlSemiAuto ControlMode = "SEMI_AUTO"
	ControlManual   ControlMode = "MANUAL"
)

// Valid reports whether the mode is one of the three known modes.
func (m ControlMode) Valid() bool {
	switch m {
	case ControlAuto, ControlSemiAuto, ControlManual:
		return true
	default:
		return false
	}
}

// StudentInfo describes one participant in the classroom roster.
type StudentInfo struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName"`
	JoinedAt     time.Time  `json:"joinedAt"`
	IsOnline     bool       `json:"isOnline"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	HandRaised   bool       `json:"handRaised,omitempty"`
	HandRaisedAt *time.Time `json:"handRaisedAt,omitempty"`
}

// MessageMetadata carries optional evaluation details attached to a message.
type MessageMetadata struct {
	Quality      float64  `json:"quality,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	ThinkingTime int64    `json:"thinkingTime,omitempty"` // milliseconds
}

// Message is one entry of the dialogue.
// ARCHITECTURAL DISCOVERY: append-only, only the Streaming flag may be cleared after creation
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	AuthorID  string           `json:"authorId,omitempty"`
	Content   string           `json:"content"`
	Level     DialogueLevel    `json:"level"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	Streaming bool             `json:"streaming,omitempty"`
}

// VoteChoice is one option of a poll with its running count.
type VoteChoice struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// VoteData is the state of a single poll.
// VotedStudents is kept sorted so snapshots compare deterministically.
// Ballots holds each voter's current selection so a permitted change can
// withdraw it, even after the vote was restored from a snapshot.
type VoteData struct {
	ID              string       `json:"id"`
	Question        string       `json:"question"`
	Choices         []VoteChoice `json:"choices"`
	VotedStudents   []string     `json:"votedStudents"`
	CreatedAt       time.Time    `json:"createdAt"`
	EndsAt          *time.Time   `json:"endsAt,omitempty"`
	IsEnded         bool         `json:"isEnded"`
	AllowChangeVote bool         `json:"allowChangeVote"`
	MaxChoices      int          `json:"maxChoices"`

	Ballots map[string][]string `json:"ballots,omitempty"`
}

// Clone returns a deep copy of the vote.
func (v *VoteData) Clone() *VoteData {
	if v == nil {
		return nil
	}
	out := *v
	out.Choices = append([]VoteChoice(nil), v.Choices...)
	out.VotedStudents = append([]string(nil), v.VotedStudents...)
	if v.EndsAt != nil {
		endsAt := *v.EndsAt
		out.EndsAt = &endsAt
	}
	if v.Ballots != nil {
		out.Ballots = make(map[string][]string, len(v.Ballots))
		for id, ballot := range v.Ballots {
			out.Ballots[id] = append([]string(nil), ballot...)
		}
	}
	return &out
}

// Ballot returns the recorded selection of studentID.
func (v *VoteData) Ballot(studentID string) ([]string, bool) {
	ballot, ok := v.Ballots[studentID]
	return ballot, ok
}

// HasVoted reports whether the student id is among the voters.
func (v *VoteData) HasVoted(studentID string) bool {
	i := sort.SearchStrings(v.VotedStudents, studentID)
	return i < len(v.VotedStudents) && v.VotedStudents[i] == studentID
}

// AddVoter inserts the student id keeping VotedStudents sorted and unique.
func (v *VoteData) AddVoter(studentID string) {
	i := sort.SearchStrings(v.VotedStudents, studentID)
	if i < len(v.VotedStudents) && v.VotedStudents[i] == studentID {
		return
	}
	v.VotedStudents = append(v.VotedStudents, "")
	copy(v.VotedStudents[i+1:], v.VotedStudents[i:])
	v.VotedStudents[i] = studentID
}

// Choice returns the index of the choice with the given id, or -1.
func (v *VoteData) Choice(choiceID string) int {
	for i := range v.Choices {
		if v.Choices[i].ID == choiceID {
			return i
		}
	}
	return -1
}

// TotalCount sums all choice counts.
func (v *VoteData) TotalCount() int {
	total := 0
	for _, c := range v.Choices {
		total += c.Count
	}
	return total
}

// ClassroomSession is the canonical state of one live classroom.
type ClassroomSession struct {
	Code            string                 `json:"code"`
	CreatedAt       time.Time              `json:"createdAt"`
	ExpiresAt       time.Time              `json:"expiresAt"`
	TeacherID       string                 `json:"teacherId"`
	Status          ClassroomStatus        `json:"status"`
	Students        map[string]StudentInfo `json:"students"`
	CurrentQuestion string                 `json:"currentQuestion,omitempty"`
	CurrentVote     *VoteData              `json:"currentVote,omitempty"`
	Level           DialogueLevel          `json:"level"`
	ControlMode     ControlMode            `json:"controlMode"`
	Messages        []Message              `json:"messages,omitempty"`
}

// IsExpired reports whether the classroom lifetime has elapsed at now.
func (s *ClassroomSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionSync is a partial ClassroomSession as carried by state_sync.
// Nil fields are absent and leave the local value untouched.
type SessionSync struct {
	Code            *string                `json:"code,omitempty"`
	TeacherID       *string                `json:"teacherId,omitempty"`
	Status          *ClassroomStatus       `json:"status,omitempty"`
	CreatedAt       *time.Time             `json:"createdAt,omitempty"`
	ExpiresAt       *time.Time             `json:"expiresAt,omitempty"`
	Students        map[string]StudentInfo `json:"students,omitempty"`
	CurrentQuestion *string                `json:"currentQuestion,omitempty"`
	CurrentVote     *VoteData              `json:"currentVote,omitempty"`
	ClearVote       bool                   `json:"clearVote,omitempty"`
	Level           *DialogueLevel         `json:"level,omitempty"`
	ControlMode     *ControlMode           `json:"controlMode,omitempty"`
	Messages        []Message              `json:"messages,omitempty"`
}

// FullSync builds a state_sync payload that carries every field of the session.
func FullSync(s ClassroomSession) SessionSync {
	status := s.Status
	level := s.Level
	mode := s.ControlMode
	question := s.CurrentQuestion
	createdAt := s.CreatedAt
	expiresAt := s.ExpiresAt
	code := s.Code
	teacherID := s.TeacherID
	students := s.Students
	if students == nil {
		students = map[string]StudentInfo{}
	}
	return SessionSync{
		Code:            &code,
		TeacherID:       &teacherID,
		Status:          &status,
		CreatedAt:       &createdAt,
		ExpiresAt:       &expiresAt,
		Students:        students,
		CurrentQuestion: &question,
		CurrentVote:     s.CurrentVote,
		ClearVote:       s.CurrentVote == nil,
		Level:           &level,
		ControlMode:     &mode,
		Messages:        s.Messages,
	}
}

// ConnectionState is the lifecycle state of a client transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionStats are counters maintained by the connection manager.
type ConnectionStats struct {
	MessagesSent     int64         `json:"messagesSent"`
	MessagesReceived int64         `json:"messagesReceived"`
	ReconnectCount   int           `json:"reconnectCount"`
	LastActivity     time.Time     `json:"lastActivity"`
	Latency          time.Duration `json:"latency"`
}

// Evaluation is the AI's judgement of the students' current understanding.
type Evaluation struct {
	Understanding float64 `json:"understanding"`
	CanProgress   bool    `json:"canProgress"`
}

// DialogueContext is what the AI dialogue service receives.
type DialogueContext struct {
	ClassroomCode string        `json:"classroomCode"`
	Level         DialogueLevel `json:"level"`
	Question      string        `json:"question,omitempty"`
	History       []Message     `json:"history"`
}

// DialogueResult is what the AI dialogue service produces.
type DialogueResult struct {
	Content        string           `json:"content"`
	SuggestedLevel *DialogueLevel   `json:"suggestedLevel,omitempty"`
	Evaluation     Evaluation       `json:"evaluation"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
}
