package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName is the discriminator of a wire envelope.
type EventName string

// Server -> client events
const (
	EventStudentJoined      EventName = "student_joined"
	EventStudentLeft        EventName = "student_left"
	EventStudentStatus      EventName = "student_status"
	EventStudentHandRaised  EventName = "student_hand_raised"
	EventStudentHandLowered EventName = "student_hand_lowered"
	EventMessageSent        EventName = "message_sent"
	EventMessageReceived    EventName = "message_received"
	EventMessageBroadcast   EventName = "message_broadcast"
	EventVoteStarted        EventName = "vote_started"
	EventVoteCast           EventName = "vote_cast"
	EventVoteEnded          EventName = "vote_ended"
	EventVoteResults        EventName = "vote_results"
	EventVoteReset          EventName = "vote_reset"
	EventStateSync          EventName = "state_sync"
	EventLevelChanged       EventName = "level_changed"
	EventLevelProposed      EventName = "level_proposed"
	EventQuestionChanged    EventName = "question_changed"
	EventControlModeChanged EventName = "control_mode_changed"
	EventClassroomEnded     EventName = "classroom_ended"
	EventAck                EventName = "ack"
)

// Client -> server commands
const (
	CommandJoinClassroom  EventName = "join_classroom"
	CommandLeaveClassroom EventName = "leave_classroom"
	CommandSendMessage    EventName = "send_message"
	CommandCreateVote     EventName = "create_vote"
	CommandCastVote       EventName = "cast_vote"
	CommandCloseVote      EventName = "close_vote"
	CommandResetVote      EventName = "reset_vote"
	CommandSetLevel       EventName = "set_level"
	CommandSkipLevel      EventName = "skip_level"
	CommandConfirmLevel   EventName = "confirm_level"
	CommandSetControlMode EventName = "set_control_mode"
	CommandSetQuestion    EventName = "set_question"
	CommandRaiseHand      EventName = "raise_hand"
	CommandLowerHand      EventName = "lower_hand"
	CommandEndClassroom   EventName = "end_classroom"
	CommandPing           EventName = "ping"
)

// Envelope is the JSON frame exchanged over every transport.
// ARCHITECTURAL DISCOVERY: ID is a correlation id, present only on requests that
// expect an ack and on the ack itself, so many acks for one event type can be in flight
type Envelope struct {
	Event   EventName       `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the tagged union of every payload that travels on the wire.
type Event interface {
	EventName() EventName
}

// NewEnvelope marshals ev into an envelope carrying correlation id id.
func NewEnvelope(ev Event, id string) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", ev.EventName(), err)
	}
	return &Envelope{Event: ev.EventName(), ID: id, Payload: payload}, nil
}

// Inbound event payloads

type StudentJoined struct{ StudentInfo }
type StudentLeft struct {
	StudentID string `json:"studentId"`
}
type StudentStatus struct {
	StudentID string `json:"studentId"`
	IsOnline  bool   `json:"isOnline"`
}
type StudentHandRaised struct {
	StudentID string `json:"studentId,omitempty"`
}
type StudentHandLowered struct {
	StudentID string `json:"studentId,omitempty"`
}
type MessageSent struct{ Message }
type MessageReceived struct{ Message }
type MessageBroadcast struct{ Message }
type VoteStarted struct{ VoteData }
type VoteCast struct {
	VoteID    string   `json:"voteId"`
	ChoiceID  string   `json:"choiceId,omitempty"`
	ChoiceIDs []string `json:"choiceIds,omitempty"`
	StudentID string   `json:"studentId,omitempty"`
	// Vote is the tally after the cast; replicas install it as is.
	Vote *VoteData `json:"vote,omitempty"`
}
type VoteEnded struct {
	VoteID string `json:"voteId"`
}
type VoteResults struct{ VoteData }
type VoteReset struct {
	VoteID string `json:"voteId"`
}
type StateSync struct{ SessionSync }
type LevelChanged struct {
	Level DialogueLevel `json:"level"`
}
type LevelProposed struct {
	Level      DialogueLevel `json:"level"`
	Evaluation Evaluation    `json:"evaluation"`
}
type QuestionChanged struct {
	Question string `json:"question"`
}
type ControlModeChanged struct {
	Mode ControlMode `json:"mode"`
}
type ClassroomEnded struct {
	EndedAt time.Time `json:"endedAt"`
}

// Ack is the server's correlated response to a command.
type Ack struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Err rebuilds the denial carried by a failed ack.
func (a *Ack) Err() error {
	if a == nil || a.Success {
		return nil
	}
	return &RemoteError{Code: a.Code, Message: a.Error}
}

// Decode unmarshals the ack data into v.
func (a *Ack) Decode(v interface{}) error {
	if len(a.Data) == 0 {
		return nil
	}
	return json.Unmarshal(a.Data, v)
}

func (StudentJoined) EventName() EventName      { return EventStudentJoined }
func (StudentLeft) EventName() EventName        { return EventStudentLeft }
func (StudentStatus) EventName() EventName      { return EventStudentStatus }
func (StudentHandRaised) EventName() EventName  { return EventStudentHandRaised }
func (StudentHandLowered) EventName() EventName { return EventStudentHandLowered }
func (MessageSent) EventName() EventName        { return EventMessageSent }
func (MessageReceived) EventName() EventName    { return EventMessageReceived }
func (MessageBroadcast) EventName() EventName   { return EventMessageBroadcast }
func (VoteStarted) EventName() EventName        { return EventVoteStarted }
func (VoteCast) EventName() EventName           { return EventVoteCast }
func (VoteEnded) EventName() EventName          { return EventVoteEnded }
func (VoteResults) EventName() EventName        { return EventVoteResults }
func (VoteReset) EventName() EventName          { return EventVoteReset }
func (StateSync) EventName() EventName          { return EventStateSync }
func (LevelChanged) EventName() EventName       { return EventLevelChanged }
func (LevelProposed) EventName() EventName      { return EventLevelProposed }
func (QuestionChanged) EventName() EventName    { return EventQuestionChanged }
func (ControlModeChanged) EventName() EventName { return EventControlModeChanged }
func (ClassroomEnded) EventName() EventName     { return EventClassroomEnded }
func (Ack) EventName() EventName                { return EventAck }

// Command payloads

type JoinClassroom struct {
	Code        string `json:"code"`
	IsTeacher   bool   `json:"isTeacher"`
	StudentName string `json:"studentName,omitempty"`
	StudentID   string `json:"studentId,omitempty"`
}

// JoinResult is the data of a successful join ack.
type JoinResult struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
}

type LeaveClassroom struct{}
type SendMessage struct {
	Content string `json:"content"`
}
type CreateVote struct {
	Question        string   `json:"question"`
	Choices         []string `json:"choices"`
	DurationSeconds int      `json:"durationSeconds,omitempty"`
	AllowChangeVote bool     `json:"allowChangeVote,omitempty"`
	MaxChoices      int      `json:"maxChoices,omitempty"`
}
type CastVote struct {
	VoteID    string   `json:"voteId"`
	ChoiceID  string   `json:"choiceId,omitempty"`
	ChoiceIDs []string `json:"choiceIds,omitempty"`
}

// Selection returns the chosen ids, preferring the multi-choice form.
func (c CastVote) Selection() []string {
	if len(c.ChoiceIDs) > 0 {
		return c.ChoiceIDs
	}
	if c.ChoiceID == "" {
		return nil
	}
	return []string{c.ChoiceID}
}

type CloseVote struct {
	VoteID string `json:"voteId"`
}
type ResetVote struct {
	VoteID string `json:"voteId"`
}
type SetLevel struct {
	Level DialogueLevel `json:"level"`
}
type SkipLevel struct{}
type ConfirmLevel struct{}
type SetControlMode struct {
	Mode ControlMode `json:"mode"`
}
type SetQuestion struct {
	Question string `json:"question"`
}
type RaiseHand struct{}
type LowerHand struct{}
type EndClassroom struct{}
type Ping struct {
	SentAt time.Time `json:"sentAt"`
}

func (JoinClassroom) EventName() EventName  { return CommandJoinClassroom }
func (LeaveClassroom) EventName() EventName { return CommandLeaveClassroom }
func (SendMessage) EventName() EventName    { return CommandSendMessage }
func (CreateVote) EventName() EventName     { return CommandCreateVote }
func (CastVote) EventName() EventName       { return CommandCastVote }
func (CloseVote) EventName() EventName      { return CommandCloseVote }
func (ResetVote) EventName() EventName      { return CommandResetVote }
func (SetLevel) EventName() EventName       { return CommandSetLevel }
func (SkipLevel) EventName() EventName      { return CommandSkipLevel }
func (ConfirmLevel) EventName() EventName   { return CommandConfirmLevel }
func (SetControlMode) EventName() EventName { return CommandSetControlMode }
func (SetQuestion) EventName() EventName    { return CommandSetQuestion }
func (RaiseHand) EventName() EventName      { return CommandRaiseHand }
func (LowerHand) EventName() EventName      { return CommandLowerHand }
func (EndClassroom) EventName() EventName   { return CommandEndClassroom }
func (Ping) EventName() EventName           { return CommandPing }

// eventFactories maps every known wire name to a constructor of its payload.
// TECHNICAL DISCOVERY: typed constants plus this table replace free-form string
// switches, a misspelled name fails to compile instead of being silently ignored
var eventFactories = map[EventName]func() Event{
	EventStudentJoined:      func() Event { return &StudentJoined{} },
	EventStudentLeft:        func() Event { return &StudentLeft{} },
	EventStudentStatus:      func() Event { return &StudentStatus{} },
	EventStudentHandRaised:  func() Event { return &StudentHandRaised{} },
	EventStudentHandLowered: func() Event { return &StudentHandLowered{} },
	EventMessageSent:        func() Event { return &MessageSent{} },
	EventMessageReceived:    func() Event { return &MessageReceived{} },
	EventMessageBroadcast:   func() Event { return &MessageBroadcast{} },
	EventVoteStarted:        func() Event { return &VoteStarted{} },
	EventVoteCast:           func() Event { return &VoteCast{} },
	EventVoteEnded:          func() Event { return &VoteEnded{} },
	EventVoteResults:        func() Event { return &VoteResults{} },
	EventVoteReset:          func() Event { return &VoteReset{} },
	EventStateSync:          func() Event { return &StateSync{} },
	EventLevelChanged:       func() Event { return &LevelChanged{} },
	EventLevelProposed:      func() Event { return &LevelProposed{} },
	EventQuestionChanged:    func() Event { return &QuestionChanged{} },
	EventControlModeChanged: func() Event { return &ControlModeChanged{} },
	EventClassroomEnded:     func() Event { return &ClassroomEnded{} },
	EventAck:                func() Event { return &Ack{} },

	CommandJoinClassroom:  func() Event { return &JoinClassroom{} },
	CommandLeaveClassroom: func() Event { return &LeaveClassroom{} },
	CommandSendMessage:    func() Event { return &SendMessage{} },
	CommandCreateVote:     func() Event { return &CreateVote{} },
	CommandCastVote:       func() Event { return &CastVote{} },
	CommandCloseVote:      func() Event { return &CloseVote{} },
	CommandResetVote:      func() Event { return &ResetVote{} },
	CommandSetLevel:       func() Event { return &SetLevel{} },
	CommandSkipLevel:      func() Event { return &SkipLevel{} },
	CommandConfirmLevel:   func() Event { return &ConfirmLevel{} },
	CommandSetControlMode: func() Event { return &SetControlMode{} },
	CommandSetQuestion:    func() Event { return &SetQuestion{} },
	CommandRaiseHand:      func() Event { return &RaiseHand{} },
	CommandLowerHand:      func() Event { return &LowerHand{} },
	CommandEndClassroom:   func() Event { return &EndClassroom{} },
	CommandPing:           func() Event { return &Ping{} },
}

// IsKnownEvent reports whether name is part of the wire protocol.
func IsKnownEvent(name EventName) bool {
	_, ok := eventFactories[name]
	return ok
}

// KnownEvents lists every event name, used by handler-table tests.
func KnownEvents() []EventName {
	names := make([]EventName, 0, len(eventFactories))
	for name := range eventFactories {
		names = append(names, name)
	}
	return names
}

// IsCommand reports whether name is a client -> server command.
func IsCommand(name EventName) bool {
	switch name {
	case CommandJoinClassroom, CommandLeaveClassroom, CommandSendMessage,
		CommandCreateVote, CommandCastVote, CommandCloseVote, CommandResetVote,
		CommandSetLevel, CommandSkipLevel, CommandConfirmLevel, CommandSetControlMode,
		CommandSetQuestion, CommandRaiseHand, CommandLowerHand, CommandEndClassroom,
		CommandPing:
		return true
	default:
		return false
	}
}

// DecodeEvent turns an envelope into its typed payload.
// The returned Event is always a pointer to the concrete payload struct.
func DecodeEvent(env *Envelope) (Event, error) {
	factory, ok := eventFactories[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	ev := factory()
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Event, err)
	}
	return ev, nil
}
