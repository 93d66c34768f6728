package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"seminar/internal/connection"
	"seminar/pkg/types"
)

// fakeEmitter records outbound commands and answers acks from a script.
type fakeEmitter struct {
	mu      sync.Mutex
	emitted []types.Event
	acked   []types.Event
	reply   func(ev types.Event) (*types.Ack, error)
}

func (f *fakeEmitter) Emit(ev types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, ev)
	return nil
}

func (f *fakeEmitter) EmitWithAck(ctx context.Context, ev types.Event, timeout time.Duration) (*types.Ack, error) {
	f.mu.Lock()
	f.acked = append(f.acked, ev)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(ev)
	}
	return &types.Ack{Success: true}, nil
}

func (f *fakeEmitter) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted) + len(f.acked)
}

func joinAck(id string, role types.Role) func(types.Event) (*types.Ack, error) {
	return func(ev types.Event) (*types.Ack, error) {
		if ev.EventName() != types.CommandJoinClassroom {
			return &types.Ack{Success: true}, nil
		}
		data, _ := json.Marshal(types.JoinResult{ParticipantID: id, Role: role})
		return &types.Ack{Success: true, Data: data}, nil
	}
}

func joined(t *testing.T, role types.Role) (*Dispatcher, *fakeEmitter) {
	t.Helper()
	em := &fakeEmitter{}
	id := "student-1"
	if role == types.RoleTeacher {
		id = "teacher-1"
	}
	em.reply = joinAck(id, role)
	d := New(em, time.Second)
	req := types.JoinClassroom{Code: "ABC123", IsTeacher: role == types.RoleTeacher, StudentName: "张三"}
	if _, err := d.Join(context.Background(), req); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return d, em
}

func TestDispatcher_JoinRecordsIdentity(t *testing.T) {
	d, em := joined(t, types.RoleStudent)
	id, role := d.Identity()
	if id != "student-1" || role != types.RoleStudent {
		t.Errorf("Identity = %q %q", id, role)
	}
	if d.Snapshot().Code != "ABC123" {
		t.Errorf("replica code = %q", d.Snapshot().Code)
	}
	if _, err := d.Join(context.Background(), types.JoinClassroom{Code: "ABC123", StudentName: "x"}); err == nil {
		t.Error("second join should be rejected")
	}
	if em.sent() != 1 {
		t.Errorf("second join reached the network")
	}
}

func TestDispatcher_JoinValidatesBeforeNetwork(t *testing.T) {
	em := &fakeEmitter{}
	d := New(em, time.Second)
	tests := []types.JoinClassroom{
		{Code: "ABC-12", StudentName: "张三"},
		{Code: "ABC123", StudentName: "   "},
	}
	for _, req := range tests {
		var ve *types.ValidationError
		if _, err := d.Join(context.Background(), req); !errors.As(err, &ve) {
			t.Errorf("Join(%+v) = %v, want ValidationError", req, err)
		}
	}
	if em.sent() != 0 {
		t.Errorf("%d commands sent, want 0", em.sent())
	}
}

func TestDispatcher_JoinFailureDiscardsReplica(t *testing.T) {
	em := &fakeEmitter{reply: func(types.Event) (*types.Ack, error) {
		return nil, (&types.Ack{Code: types.CodeNotFound, Error: "classroom not found"}).Err()
	}}
	d := New(em, time.Second)
	if _, err := d.Join(context.Background(), types.JoinClassroom{Code: "ABC123", StudentName: "张三"}); err == nil {
		t.Fatal("expected join failure")
	}
	if d.Snapshot().Code != "" {
		t.Error("replica must be discarded after a failed join")
	}
	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "s"}})
	if len(d.Snapshot().Students) != 0 {
		t.Error("events must be dropped when not joined")
	}
}

func TestDispatcher_LevelChangedOverwritesLocalLevel(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	level := types.LevelAnalysis
	d.RouteEvent(types.StateSync{SessionSync: types.SessionSync{Level: &level}})
	if d.Snapshot().Level != types.LevelAnalysis {
		t.Fatalf("Level = %v, want ANALYSIS", d.Snapshot().Level)
	}

	var seen []Change
	d.Subscribe(func(c Change) { seen = append(seen, c) })
	d.RouteEvent(types.LevelChanged{Level: types.LevelFacts})

	if d.Snapshot().Level != types.LevelFacts {
		t.Errorf("Level = %v, authoritative FACTS must win", d.Snapshot().Level)
	}
	if len(seen) != 1 || seen[0].Cause != types.EventLevelChanged || seen[0].Snapshot.Level != types.LevelFacts {
		t.Errorf("observer saw %+v", seen)
	}
}

func TestDispatcher_EveryServerEventHasHandler(t *testing.T) {
	d := New(&fakeEmitter{}, time.Second)
	handled := make(map[types.EventName]bool)
	for _, name := range d.HandledEvents() {
		handled[name] = true
	}
	for _, name := range types.KnownEvents() {
		if types.IsCommand(name) || name == types.EventAck {
			continue
		}
		if !handled[name] {
			t.Errorf("no handler for %s", name)
		}
	}
}

func TestDispatcher_RouteAppliesServerEvents(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-1", DisplayName: "张三", JoinedAt: at, IsOnline: true}})
	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-2", DisplayName: "李四", JoinedAt: at, IsOnline: true}})
	d.RouteEvent(types.StudentStatus{StudentID: "student-2", IsOnline: false})
	d.RouteEvent(types.StudentHandRaised{})
	d.RouteEvent(types.QuestionChanged{Question: "什么是合同？"})
	d.RouteEvent(types.MessageBroadcast{Message: types.Message{ID: "m1", Content: "hi"}})
	d.RouteEvent(types.MessageReceived{Message: types.Message{ID: "m1", Content: "hi"}})
	d.RouteEvent(types.ControlModeChanged{Mode: types.ControlSemiAuto})

	snap := d.Snapshot()
	if len(snap.Students) != 2 {
		t.Fatalf("students = %v", snap.Students)
	}
	if snap.Students["student-2"].IsOnline {
		t.Error("student-2 should be offline")
	}
	if !snap.Students["student-1"].HandRaised {
		t.Error("hand event without id should apply to self")
	}
	if snap.CurrentQuestion != "什么是合同？" || snap.ControlMode != types.ControlSemiAuto {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Messages) != 1 {
		t.Errorf("duplicate message appended: %d messages", len(snap.Messages))
	}

	d.RouteEvent(types.StudentLeft{StudentID: "student-2"})
	d.RouteEvent(types.StudentHandLowered{StudentID: "student-1"})
	snap = d.Snapshot()
	if len(snap.Students) != 1 || snap.Students["student-1"].HandRaised {
		t.Errorf("snapshot = %+v", snap.Students)
	}
}

func TestDispatcher_VoteEventsMirrorServer(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-1"}})
	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-2"}})

	vote := types.VoteData{
		ID:            "vote-1",
		Question:      "满意吗？",
		Choices:       []types.VoteChoice{{ID: "choice-1", Text: "满意"}, {ID: "choice-2", Text: "不满意"}},
		VotedStudents: []string{},
		MaxChoices:    1,
	}
	d.RouteEvent(types.VoteStarted{VoteData: vote})
	d.RouteEvent(types.VoteCast{VoteID: "vote-1", ChoiceID: "choice-1", StudentID: "student-2"})

	got := d.Snapshot().CurrentVote
	if got == nil || got.Choices[0].Count != 1 || !got.HasVoted("student-2") {
		t.Fatalf("vote = %+v", got)
	}
	if rate := d.Participation(); rate != 0.5 {
		t.Errorf("Participation = %v, want 0.5", rate)
	}

	d.RouteEvent(types.VoteEnded{VoteID: "vote-1"})
	if !d.Snapshot().CurrentVote.IsEnded {
		t.Error("vote should be ended")
	}
	d.RouteEvent(types.VoteReset{VoteID: "vote-1"})
	if d.Snapshot().CurrentVote != nil {
		t.Error("vote should be cleared")
	}
}

func TestDispatcher_LevelProposedSurfacesToObservers(t *testing.T) {
	d, _ := joined(t, types.RoleTeacher)
	var last Change
	d.Subscribe(func(c Change) { last = c })
	d.RouteEvent(types.LevelProposed{Level: types.LevelFacts, Evaluation: types.Evaluation{Understanding: 0.8, CanProgress: true}})
	if last.Proposal == nil || last.Proposal.Level != types.LevelFacts {
		t.Errorf("proposal = %+v", last.Proposal)
	}
	d.RouteEvent(types.LevelChanged{Level: types.LevelFacts})
	if last.Proposal != nil {
		t.Error("authoritative change should clear the proposal")
	}
}

func TestDispatcher_ClassroomEndedFreezesReplica(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	d.RouteEvent(types.ClassroomEnded{EndedAt: time.Now()})
	if d.Snapshot().Status != types.StatusEnded {
		t.Fatalf("Status = %v", d.Snapshot().Status)
	}
	d.RouteEvent(types.QuestionChanged{Question: "late"})
	if d.Snapshot().CurrentQuestion == "late" {
		t.Error("ended classroom accepted a mutation")
	}
}

func TestDispatcher_UnknownAndMalformedDropped(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	calls := 0
	d.Subscribe(func(Change) { calls++ })
	d.Route(&types.Envelope{Event: "studnet_joined"})
	d.Route(&types.Envelope{Event: types.EventStudentLeft, Payload: json.RawMessage(`{"studentId":`)})
	d.Route(&types.Envelope{Event: types.EventAck, Payload: json.RawMessage(`{"success":true}`)})
	if calls != 0 {
		t.Errorf("observers notified %d times for dropped events", calls)
	}
}

func TestDispatcher_HandlerPanicRecovered(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	d.handlers[types.EventQuestionChanged] = func(types.Event) error { panic("boom") }
	d.RouteEvent(types.QuestionChanged{Question: "q"})
	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-9"}})
	if _, ok := d.Snapshot().Students["student-9"]; !ok {
		t.Error("dispatcher stopped routing after a handler panic")
	}
}

func TestDispatcher_DispatchValidatesBeforeNetwork(t *testing.T) {
	d, em := joined(t, types.RoleTeacher)
	before := em.sent()
	tests := []struct {
		name   string
		action types.Event
	}{
		{"one choice vote", types.CreateVote{Question: "q", Choices: []string{"a"}}},
		{"blank message", types.SendMessage{Content: "  "}},
		{"level out of range", types.SetLevel{Level: 7}},
		{"unknown mode", types.SetControlMode{Mode: "TURBO"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *types.ValidationError
			if _, err := d.Dispatch(context.Background(), tt.action); !errors.As(err, &ve) {
				t.Errorf("Dispatch = %v, want ValidationError", err)
			}
		})
	}
	if em.sent() != before {
		t.Errorf("invalid actions reached the network")
	}
}

func TestDispatcher_DispatchAuthorizesRole(t *testing.T) {
	d, em := joined(t, types.RoleStudent)
	before := em.sent()
	var ae *types.AuthorizationError
	if _, err := d.Dispatch(context.Background(), types.SkipLevel{}); !errors.As(err, &ae) {
		t.Errorf("student skip_level = %v, want AuthorizationError", err)
	}
	if em.sent() != before {
		t.Error("unauthorized action reached the network")
	}
}

func TestDispatcher_DispatchNotJoined(t *testing.T) {
	d := New(&fakeEmitter{}, time.Second)
	if _, err := d.Dispatch(context.Background(), types.RaiseHand{}); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Dispatch = %v, want ErrNotJoined", err)
	}
}

func TestDispatcher_RemoteDenialIsTyped(t *testing.T) {
	d, em := joined(t, types.RoleStudent)
	em.mu.Lock()
	em.reply = func(types.Event) (*types.Ack, error) {
		ack := &types.Ack{Code: types.CodeConflict, Error: "already voted"}
		return ack, ack.Err()
	}
	em.mu.Unlock()

	_, err := d.Dispatch(context.Background(), types.CastVote{VoteID: "vote-1", ChoiceID: "choice-1"})
	var conflict *types.StateConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("Dispatch = %v, want StateConflictError", err)
	}
}

func TestDispatcher_RaiseHandIsOptimisticAndUnacked(t *testing.T) {
	d, em := joined(t, types.RoleStudent)
	d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-1"}})
	if _, err := d.Dispatch(context.Background(), types.RaiseHand{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !d.Snapshot().Students["student-1"].HandRaised {
		t.Error("raise hand not applied locally")
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.emitted) != 1 || em.emitted[0].EventName() != types.CommandRaiseHand {
		t.Errorf("emitted = %v", em.emitted)
	}
}

func TestDispatcher_LeaveDiscardsReplica(t *testing.T) {
	d, _ := joined(t, types.RoleStudent)
	if err := d.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if d.Snapshot().Code != "" {
		t.Error("replica should be discarded")
	}
	if err := d.Leave(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("second Leave = %v, want ErrNotJoined", err)
	}
}

func TestDispatcher_ReconnectRejoins(t *testing.T) {
	d, em := joined(t, types.RoleStudent)
	var last Change
	d.Subscribe(func(c Change) { last = c })
	d.HandleStateChange(connection.StateChange{State: types.StateReconnecting, Event: connection.LifecycleDisconnect})
	if last.Connection != types.StateReconnecting || last.Snapshot.Code != "ABC123" {
		t.Fatalf("change = %+v, replica must survive a drop", last)
	}
	d.HandleStateChange(connection.StateChange{State: types.StateConnected, Event: connection.LifecycleReconnect})

	deadline := time.Now().Add(time.Second)
	for {
		em.mu.Lock()
		n := len(em.acked)
		var last types.Event
		if n > 0 {
			last = em.acked[n-1]
		}
		em.mu.Unlock()
		if n == 2 {
			rejoin, ok := last.(types.JoinClassroom)
			if !ok || rejoin.StudentID != "student-1" || rejoin.Code != "ABC123" {
				t.Errorf("rejoin = %+v", last)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no rejoin sent, acked = %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_UndecodableJoinAckDiscardsReplica(t *testing.T) {
	em := &fakeEmitter{reply: func(types.Event) (*types.Ack, error) {
		return &types.Ack{Success: true, Data: json.RawMessage(`"not a join result"`)}, nil
	}}
	d := New(em, time.Second)
	req := types.JoinClassroom{Code: "ABC123", StudentName: "张三"}
	if _, err := d.Join(context.Background(), req); err == nil {
		t.Fatal("expected decode failure")
	}
	if d.Snapshot().Code != "" {
		t.Error("replica must be discarded when the join result cannot be decoded")
	}

	em.mu.Lock()
	em.reply = joinAck("student-1", types.RoleStudent)
	em.mu.Unlock()
	if _, err := d.Join(context.Background(), req); err != nil {
		t.Fatalf("retry Join: %v", err)
	}
	if id, _ := d.Identity(); id != "student-1" {
		t.Errorf("Identity after retry = %q", id)
	}
}

func TestDispatcher_VoteCastInstallsServerTally(t *testing.T) {
	choices := func(a, b int) []types.VoteChoice {
		return []types.VoteChoice{{ID: "choice-1", Text: "a", Count: a}, {ID: "choice-2", Text: "b", Count: b}}
	}

	tests := []struct {
		name  string
		sync  types.VoteData
		cast  types.VoteCast
		wantA int
		wantB int
	}{
		{
			name: "re-vote of a voter known only from state_sync",
			sync: types.VoteData{
				ID: "vote-1", Choices: choices(1, 0), VotedStudents: []string{"student-2"},
				AllowChangeVote: true, MaxChoices: 1,
			},
			cast: types.VoteCast{VoteID: "vote-1", ChoiceIDs: []string{"choice-2"}, StudentID: "student-2",
				Vote: &types.VoteData{
					ID: "vote-1", Choices: choices(0, 1), VotedStudents: []string{"student-2"},
					Ballots: map[string][]string{"student-2": {"choice-2"}}, AllowChangeVote: true, MaxChoices: 1,
				}},
			wantA: 0, wantB: 1,
		},
		{
			name: "state_sync replaces the vote before a cast",
			sync: types.VoteData{
				ID: "vote-2", Choices: choices(1, 0), VotedStudents: []string{"student-3"},
				Ballots: map[string][]string{"student-3": {"choice-1"}}, MaxChoices: 1,
			},
			cast: types.VoteCast{VoteID: "vote-2", ChoiceIDs: []string{"choice-2"}, StudentID: "student-2",
				Vote: &types.VoteData{
					ID: "vote-2", Choices: choices(1, 1), VotedStudents: []string{"student-3", "student-2"},
					Ballots: map[string][]string{"student-3": {"choice-1"}, "student-2": {"choice-2"}}, MaxChoices: 1,
				}},
			wantA: 1, wantB: 1,
		},
		{
			name: "delta cast after state_sync replaced the vote",
			sync: types.VoteData{
				ID: "vote-2", Choices: choices(1, 0), VotedStudents: []string{"student-3"},
				Ballots: map[string][]string{"student-3": {"choice-1"}}, MaxChoices: 1,
			},
			cast:  types.VoteCast{VoteID: "vote-2", ChoiceIDs: []string{"choice-2"}, StudentID: "student-2"},
			wantA: 1, wantB: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := joined(t, types.RoleStudent)
			d.RouteEvent(types.StudentJoined{StudentInfo: types.StudentInfo{ID: "student-2"}})
			d.RouteEvent(types.VoteStarted{VoteData: types.VoteData{
				ID: "vote-1", Choices: choices(0, 0), VotedStudents: []string{}, AllowChangeVote: true, MaxChoices: 1,
			}})
			d.RouteEvent(types.VoteCast{VoteID: "vote-1", ChoiceIDs: []string{"choice-1"}, StudentID: "student-2"})

			synced := tt.sync
			d.RouteEvent(types.StateSync{SessionSync: types.SessionSync{CurrentVote: &synced}})
			d.RouteEvent(tt.cast)

			got := d.Snapshot().CurrentVote
			if got == nil || got.ID != tt.cast.VoteID {
				t.Fatalf("vote = %+v", got)
			}
			if got.Choices[0].Count != tt.wantA || got.Choices[1].Count != tt.wantB {
				t.Errorf("counts = [%d %d], want [%d %d]", got.Choices[0].Count, got.Choices[1].Count, tt.wantA, tt.wantB)
			}
			if !got.HasVoted("student-2") {
				t.Error("student-2 should be recorded as a voter")
			}
		})
	}
}
