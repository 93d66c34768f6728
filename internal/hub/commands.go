package hub

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"seminar/internal/classroom"
	"seminar/internal/metrics"
	"seminar/internal/router"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// handleCommand processes one inbound envelope on the loop.
func (h *Hub) handleCommand(in *inbound) {
	conn, env := in.conn, in.env
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic handling %s from %s: %v", env.Event, conn.GetUserID(), r)
			h.reply(conn, env.ID, errors.New("internal error"), nil)
		}
	}()
	h.cfg.Recorder.EventReceived(env.Event)

	if !types.IsCommand(env.Event) {
		h.reply(conn, env.ID, router.ErrUnknownCommand, nil)
		return
	}
	ev, err := types.DecodeEvent(env)
	if err != nil {
		h.reply(conn, env.ID, types.NewValidationError("payload", err), nil)
		return
	}

	switch cmd := ev.(type) {
	case *types.Ping:
		h.reply(conn, env.ID, nil, nil)
		return
	case *types.JoinClassroom:
		data, err := h.join(conn, cmd)
		h.reply(conn, env.ID, err, data)
		if err == nil {
			h.syncJoined(conn)
		}
		return
	}

	if !h.isMember(conn) {
		h.reply(conn, env.ID, types.NewStateConflict(ErrNotMember), nil)
		return
	}
	if !h.router.Allow(conn.GetUserID()) {
		h.reply(conn, env.ID, router.ErrRateLimitExceeded, nil)
		return
	}
	if err := router.Authorize(conn.GetRole(), env.Event); err != nil {
		h.reply(conn, env.ID, err, nil)
		return
	}

	code := conn.GetClassroomCode()
	rm, ok := h.rooms[code]
	if !ok {
		h.reply(conn, env.ID, interfaces.ErrClassroomNotFound, nil)
		return
	}
	if _, leaving := ev.(*types.LeaveClassroom); leaving {
		h.leave(conn, code, rm)
		h.reply(conn, env.ID, nil, nil)
		return
	}
	if rm.store.Status() == types.StatusEnded {
		h.reply(conn, env.ID, interfaces.ErrClassroomEnded, nil)
		return
	}

	data, err := h.apply(conn, code, rm, ev)
	h.reply(conn, env.ID, err, data)
}

// isMember reports whether conn is the registered connection of its participant.
func (h *Hub) isMember(conn interfaces.Connection) bool {
	if !conn.IsAuthenticated() {
		return false
	}
	registered, ok := h.registry.Get(conn.GetUserID())
	return ok && registered == conn
}

// join admits conn into a classroom.
// FUNCTIONAL DISCOVERY: a student rejoining with the id the server handed out earlier
// keeps their roster entry and is only marked online again
func (h *Hub) join(conn interfaces.Connection, req *types.JoinClassroom) (*types.JoinResult, error) {
	if h.isMember(conn) {
		return nil, types.NewStateConflict(ErrAlreadyJoined)
	}
	code, err := types.ValidateClassroomCode(req.Code)
	if err != nil {
		return nil, err
	}
	rm, ok := h.rooms[code]
	if !ok {
		return nil, interfaces.ErrClassroomNotFound
	}
	if rm.store.Status() == types.StatusEnded {
		return nil, interfaces.ErrClassroomEnded
	}

	now := h.cfg.Now()
	result := &types.JoinResult{}
	if req.IsTeacher {
		teacherID := rm.store.TeacherID()
		if teacherID == "" {
			teacherID = uuid.NewString()
			if err := rm.store.SetTeacher(teacherID); err != nil {
				return nil, err
			}
		}
		if rm.store.Status() == types.StatusWaiting {
			if err := rm.store.Activate(); err != nil {
				return nil, err
			}
			status := types.StatusActive
			h.broadcast(code, router.Everyone, types.StateSync{SessionSync: types.SessionSync{Status: &status}}, "")
		}
		result.ParticipantID, result.Role = teacherID, types.RoleTeacher
	} else {
		name, err := types.NormalizeDisplayName(req.StudentName)
		if err != nil {
			return nil, err
		}
		studentID := req.StudentID
		if !types.IsValidParticipantID(studentID) || studentID == rm.store.TeacherID() {
			studentID = uuid.NewString()
		}
		if _, known := rm.store.Student(studentID); known {
			online := true
			if err := rm.store.UpdateStudentStatus(studentID, classroom.StudentUpdate{IsOnline: &online, At: now}); err != nil {
				return nil, err
			}
			h.broadcast(code, router.Everyone, types.StudentStatus{StudentID: studentID, IsOnline: true}, studentID)
		} else {
			info := types.StudentInfo{ID: studentID, DisplayName: name, JoinedAt: now, IsOnline: true, LastActiveAt: now}
			if err := rm.store.AddStudent(info); err != nil {
				return nil, err
			}
			h.broadcast(code, router.Everyone, types.StudentJoined{StudentInfo: info}, studentID)
		}
		result.ParticipantID, result.Role = studentID, types.RoleStudent
	}

	if err := conn.SetCredentials(result.ParticipantID, result.Role, code); err != nil {
		return nil, err
	}
	if err := h.registry.Register(conn); err != nil {
		return nil, err
	}
	log.Printf("Participant joined: user=%s role=%s classroom=%s", result.ParticipantID, result.Role, code)
	h.archive.saveClassroom(rm.store.Snapshot())
	return result, nil
}

// syncJoined sends the full classroom state to a connection right after its join ack.
func (h *Hub) syncJoined(conn interfaces.Connection) {
	rm, ok := h.rooms[conn.GetClassroomCode()]
	if !ok {
		return
	}
	h.send(conn, types.StateSync{SessionSync: types.FullSync(rm.store.Snapshot())})
}

func (h *Hub) leave(conn interfaces.Connection, code string, rm *room) {
	h.registry.Unregister(conn)
	if conn.GetRole() != types.RoleStudent || rm.store.Status() == types.StatusEnded {
		return
	}
	userID := conn.GetUserID()
	if err := rm.store.RemoveStudent(userID); err != nil {
		log.Printf("Failed to remove student %s from %s: %v", userID, code, err)
		return
	}
	h.broadcast(code, router.Everyone, types.StudentLeft{StudentID: userID}, "")
	h.archive.saveClassroom(rm.store.Snapshot())
	log.Printf("Participant left: user=%s classroom=%s", userID, code)
}

// handleDisconnect marks a vanished student offline. The roster entry stays until
// an explicit leave so the student can reconnect into the same seat.
func (h *Hub) handleDisconnect(conn interfaces.Connection) {
	if !h.registry.Unregister(conn) {
		return
	}
	code := conn.GetClassroomCode()
	log.Printf("Participant disconnected: user=%s classroom=%s", conn.GetUserID(), code)
	if conn.GetRole() != types.RoleStudent {
		return
	}
	rm, ok := h.rooms[code]
	if !ok || rm.store.Status() == types.StatusEnded {
		return
	}
	offline := false
	if err := rm.store.UpdateStudentStatus(conn.GetUserID(), classroom.StudentUpdate{IsOnline: &offline}); err != nil {
		return
	}
	h.broadcast(code, router.Everyone, types.StudentStatus{StudentID: conn.GetUserID(), IsOnline: false}, "")
}

// apply runs one authorized command against rm and returns the ack data.
func (h *Hub) apply(conn interfaces.Connection, code string, rm *room, ev types.Event) (interface{}, error) {
	userID, role := conn.GetUserID(), conn.GetRole()

	switch cmd := ev.(type) {
	case *types.SendMessage:
		return h.sendMessage(conn, code, rm, cmd)

	case *types.CreateVote:
		vote, err := rm.voting.CreateVote(*cmd)
		if err != nil {
			return nil, err
		}
		h.broadcast(code, router.Everyone, types.VoteStarted{VoteData: *vote}, "")
		h.archive.storeVote(code, vote)
		return vote, nil

	case *types.CastVote:
		selection := cmd.Selection()
		vote, err := rm.voting.CastBallot(cmd.VoteID, userID, selection)
		if err != nil {
			h.cfg.Recorder.VoteCast(metrics.OutcomeDenied)
			return nil, err
		}
		h.cfg.Recorder.VoteCast(metrics.OutcomeAccepted)
		h.broadcast(code, router.Everyone, types.VoteCast{VoteID: vote.ID, ChoiceIDs: selection, StudentID: userID, Vote: vote}, "")
		// the snapshot carries the ballots a restored classroom needs for re-votes
		h.archive.storeVote(code, vote)
		h.archive.saveClassroom(rm.store.Snapshot())
		return vote, nil

	case *types.CloseVote:
		vote, err := rm.voting.CloseVote(cmd.VoteID)
		if err != nil {
			return nil, err
		}
		h.publishVoteEnd(code, vote)
		return vote, nil

	case *types.ResetVote:
		current := rm.voting.Current()
		if err := rm.voting.ResetVote(cmd.VoteID); err != nil {
			return nil, err
		}
		h.archive.storeVote(code, current)
		h.broadcast(code, router.Everyone, types.VoteReset{VoteID: current.ID}, "")
		return nil, nil

	case *types.SetLevel:
		t, err := rm.dialogue.SetLevel(role, cmd.Level)
		if err != nil {
			return nil, err
		}
		h.publishTransition(code, rm, t)
		return types.LevelChanged{Level: t.To}, nil

	case *types.SkipLevel:
		t, err := rm.dialogue.Skip(role)
		if err != nil {
			return nil, err
		}
		h.publishTransition(code, rm, t)
		return types.LevelChanged{Level: t.To}, nil

	case *types.ConfirmLevel:
		t, err := rm.dialogue.Confirm(role)
		if err != nil {
			return nil, err
		}
		h.publishTransition(code, rm, t)
		return types.LevelChanged{Level: t.To}, nil

	case *types.SetControlMode:
		if err := rm.dialogue.SetControlMode(role, cmd.Mode); err != nil {
			return nil, err
		}
		h.broadcast(code, router.Everyone, types.ControlModeChanged{Mode: cmd.Mode}, "")
		h.archive.saveClassroom(rm.store.Snapshot())
		return nil, nil

	case *types.SetQuestion:
		question, err := types.ValidateContent(cmd.Question)
		if err != nil {
			return nil, err
		}
		if err := rm.store.SetCurrentQuestion(question); err != nil {
			return nil, err
		}
		h.broadcast(code, router.Everyone, types.QuestionChanged{Question: question}, "")
		h.archive.saveClassroom(rm.store.Snapshot())
		return nil, nil

	case *types.RaiseHand, *types.LowerHand:
		_, raise := cmd.(*types.RaiseHand)
		if err := rm.store.UpdateStudentStatus(userID, classroom.StudentUpdate{HandRaised: &raise, At: h.cfg.Now()}); err != nil {
			return nil, err
		}
		if raise {
			h.broadcast(code, router.Everyone, types.StudentHandRaised{StudentID: userID}, "")
		} else {
			h.broadcast(code, router.Everyone, types.StudentHandLowered{StudentID: userID}, "")
		}
		return nil, nil

	case *types.EndClassroom:
		return nil, h.endRoom(code, rm)

	default:
		return nil, ErrUnsupportedCommand
	}
}

func (h *Hub) sendMessage(conn interfaces.Connection, code string, rm *room, cmd *types.SendMessage) (*types.Message, error) {
	content, err := types.ValidateContent(cmd.Content)
	if err != nil {
		return nil, err
	}
	now := h.cfg.Now()
	message := types.Message{
		ID:        uuid.NewString(),
		Role:      conn.GetRole(),
		AuthorID:  conn.GetUserID(),
		Content:   content,
		Level:     rm.store.Level(),
		Timestamp: now,
	}
	if err := rm.store.AppendMessage(message); err != nil {
		return nil, err
	}
	if message.Role == types.RoleStudent {
		_ = rm.store.UpdateStudentStatus(message.AuthorID, classroom.StudentUpdate{At: now})
	}

	h.broadcast(code, router.Everyone, types.MessageBroadcast{Message: message}, message.AuthorID)
	h.send(conn, types.MessageSent{Message: message})
	h.archive.storeMessage(code, message)
	h.evaluate(code, rm)
	return &message, nil
}

// evaluate asks the dialogue service about the latest turn off the loop and
// posts the result back in.
func (h *Hub) evaluate(code string, rm *room) {
	if h.cfg.AI == nil {
		return
	}
	history := rm.store.Messages()
	if len(history) > h.cfg.HistoryWindow {
		history = history[len(history)-h.cfg.HistoryWindow:]
	}
	dctx := types.DialogueContext{
		ClassroomCode: code,
		Level:         rm.store.Level(),
		Question:      rm.store.CurrentQuestion(),
		History:       history,
	}
	parent := h.ctx
	go func() {
		ctx, cancel := context.WithTimeout(parent, h.cfg.AITimeout)
		defer cancel()
		result, err := h.cfg.AI.Evaluate(ctx, dctx)
		if err != nil {
			log.Printf("Dialogue evaluation failed for classroom %s: %v", code, err)
			return
		}
		if result == nil {
			return
		}
		h.post(func() { h.applyEvaluation(code, result) })
	}()
}

// applyEvaluation publishes the agent's turn and feeds the judgement to the
// dialogue machine under the classroom's control mode.
func (h *Hub) applyEvaluation(code string, result *types.DialogueResult) {
	rm, ok := h.rooms[code]
	if !ok || rm.store.Status() == types.StatusEnded {
		return
	}
	if result.Content != "" {
		message := types.Message{
			ID:        uuid.NewString(),
			Role:      types.RoleAgent,
			Content:   result.Content,
			Level:     rm.store.Level(),
			Timestamp: h.cfg.Now(),
			Metadata:  result.Metadata,
		}
		if err := rm.store.AppendMessage(message); err == nil {
			h.broadcast(code, router.Everyone, types.MessageReceived{Message: message}, "")
			h.archive.storeMessage(code, message)
		}
	}

	outcome, err := rm.dialogue.ApplyEvaluation(*result)
	if err != nil {
		log.Printf("Failed to apply evaluation in classroom %s: %v", code, err)
		return
	}
	switch {
	case outcome.Applied != nil:
		h.publishTransition(code, rm, *outcome.Applied)
	case outcome.Proposed != nil:
		h.broadcast(code, router.Teachers, types.LevelProposed{Level: *outcome.Proposed, Evaluation: result.Evaluation}, "")
	case outcome.Advisory != nil:
		log.Printf("Classroom %s could progress to %s (manual control)", code, *outcome.Advisory)
	}
}
