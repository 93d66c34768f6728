package dispatcher

import (
	"fmt"

	"seminar/internal/classroom"
	"seminar/pkg/types"
)

// on adapts a typed handler to the table signature.
func on[T types.Event](fn func(T) error) handler {
	return func(ev types.Event) error {
		typed, ok := ev.(T)
		if !ok {
			return fmt.Errorf("handler expected %T, got %T", *new(T), ev)
		}
		return fn(typed)
	}
}

// handlerTable maps every server event to exactly one mutation of the store,
// the dialogue machine or the voting engine.
func (d *Dispatcher) handlerTable() map[types.EventName]handler {
	return map[types.EventName]handler{
		types.EventStudentJoined:      on(d.onStudentJoined),
		types.EventStudentLeft:        on(d.onStudentLeft),
		types.EventStudentStatus:      on(d.onStudentStatus),
		types.EventStudentHandRaised:  on(d.onHandRaised),
		types.EventStudentHandLowered: on(d.onHandLowered),
		types.EventMessageSent:        on(func(e *types.MessageSent) error { return d.appendMessage(e.Message) }),
		types.EventMessageReceived:    on(func(e *types.MessageReceived) error { return d.appendMessage(e.Message) }),
		types.EventMessageBroadcast:   on(func(e *types.MessageBroadcast) error { return d.appendMessage(e.Message) }),
		types.EventVoteStarted:        on(func(e *types.VoteStarted) error { return d.voting.ApplyRemote(&e.VoteData) }),
		types.EventVoteResults:        on(func(e *types.VoteResults) error { return d.voting.ApplyRemote(&e.VoteData) }),
		types.EventVoteCast:           on(d.onVoteCast),
		types.EventVoteEnded:          on(func(e *types.VoteEnded) error { return d.voting.ApplyRemoteEnd(e.VoteID) }),
		types.EventVoteReset:          on(func(e *types.VoteReset) error { return d.voting.ApplyRemoteReset(e.VoteID) }),
		types.EventStateSync:          on(d.onStateSync),
		types.EventLevelChanged:       on(d.onLevelChanged),
		types.EventLevelProposed:      on(d.onLevelProposed),
		types.EventQuestionChanged:    on(func(e *types.QuestionChanged) error { return d.store.SetCurrentQuestion(e.Question) }),
		types.EventControlModeChanged: on(func(e *types.ControlModeChanged) error { return d.dialogue.ApplyControlMode(e.Mode) }),
		types.EventClassroomEnded:     on(func(*types.ClassroomEnded) error { return d.store.End() }),
	}
}

// HandledEvents lists the events with a handler.
func (d *Dispatcher) HandledEvents() []types.EventName {
	names := make([]types.EventName, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) onStudentJoined(e *types.StudentJoined) error {
	return d.store.AddStudent(e.StudentInfo)
}

func (d *Dispatcher) onStudentLeft(e *types.StudentLeft) error {
	return d.store.RemoveStudent(e.StudentID)
}

func (d *Dispatcher) onStudentStatus(e *types.StudentStatus) error {
	online := e.IsOnline
	return d.store.UpdateStudentStatus(e.StudentID, classroom.StudentUpdate{IsOnline: &online, At: d.now()})
}

func (d *Dispatcher) handTarget(id string) string {
	if id == "" {
		return d.participantID
	}
	return id
}

func (d *Dispatcher) onHandRaised(e *types.StudentHandRaised) error {
	raised := true
	return d.store.UpdateStudentStatus(d.handTarget(e.StudentID), classroom.StudentUpdate{HandRaised: &raised, At: d.now()})
}

func (d *Dispatcher) onHandLowered(e *types.StudentHandLowered) error {
	raised := false
	return d.store.UpdateStudentStatus(d.handTarget(e.StudentID), classroom.StudentUpdate{HandRaised: &raised, At: d.now()})
}

// appendMessage skips messages already in the history; the author receives its
// own message both as message_sent and inside a later state_sync.
func (d *Dispatcher) appendMessage(m types.Message) error {
	if m.ID != "" && d.store.HasMessage(m.ID) {
		if !m.Streaming {
			return d.store.FinishStreaming(m.ID)
		}
		return nil
	}
	return d.store.AppendMessage(m)
}

// onStateSync installs a synced vote through the voting engine so the replica
// keeps the server's ballots together with its tally.
func (d *Dispatcher) onStateSync(e *types.StateSync) error {
	sync := e.SessionSync
	if sync.CurrentVote != nil {
		// before the status, which may end the classroom
		if err := d.voting.ApplyRemote(sync.CurrentVote); err != nil {
			return err
		}
		sync.CurrentVote = nil
	}
	return d.store.ApplySync(sync)
}

func (d *Dispatcher) onVoteCast(e *types.VoteCast) error {
	_, err := d.voting.ApplyRemoteCast(*e)
	return err
}

func (d *Dispatcher) onLevelChanged(e *types.LevelChanged) error {
	_, err := d.dialogue.ApplyAuthoritative(e.Level)
	return err
}

func (d *Dispatcher) onLevelProposed(e *types.LevelProposed) error {
	d.dialogue.ProposePending(e.Level, e.Evaluation)
	return nil
}
