package router

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"seminar/internal/websocket"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

type sentFrame struct {
	event types.Event
	id    string
}

type fakeConn struct {
	mu     sync.Mutex
	userID string
	role   types.Role
	code   string
	frames []sentFrame
	fail   error
}

func (f *fakeConn) WriteJSON(v interface{}) error { return nil }
func (f *fakeConn) Send(ev types.Event, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.frames = append(f.frames, sentFrame{ev, id})
	return nil
}
func (f *fakeConn) Close() error             { return nil }
func (f *fakeConn) GetUserID() string        { return f.userID }
func (f *fakeConn) GetRole() types.Role      { return f.role }
func (f *fakeConn) GetClassroomCode() string { return f.code }
func (f *fakeConn) IsAuthenticated() bool    { return true }
func (f *fakeConn) SetCredentials(string, types.Role, string) error {
	return nil
}

var _ interfaces.Connection = (*fakeConn)(nil)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		role    types.Role
		command types.EventName
		allowed bool
	}{
		{types.RoleTeacher, types.CommandCreateVote, true},
		{types.RoleStudent, types.CommandCreateVote, false},
		{types.RoleStudent, types.CommandSkipLevel, false},
		{types.RoleStudent, types.CommandSetControlMode, false},
		{types.RoleStudent, types.CommandEndClassroom, false},
		{types.RoleStudent, types.CommandCastVote, true},
		{types.RoleTeacher, types.CommandCastVote, false},
		{types.RoleStudent, types.CommandRaiseHand, true},
		{types.RoleStudent, types.CommandSendMessage, true},
		{types.RoleTeacher, types.CommandSendMessage, true},
		{types.RoleStudent, types.CommandJoinClassroom, true},
		{types.RoleTeacher, types.CommandPing, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.command), func(t *testing.T) {
			err := Authorize(tt.role, tt.command)
			if (err == nil) != tt.allowed {
				t.Fatalf("Authorize = %v, allowed %v", err, tt.allowed)
			}
			var auth *types.AuthorizationError
			if err != nil && !errors.As(err, &auth) {
				t.Errorf("expected AuthorizationError, got %T", err)
			}
		})
	}
	if err := Authorize(types.RoleTeacher, types.EventLevelChanged); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("server event as command: %v", err)
	}
}

func TestNeedsAck(t *testing.T) {
	if NeedsAck(types.CommandRaiseHand) || NeedsAck(types.CommandLowerHand) {
		t.Error("hand updates are fire-and-forget")
	}
	for _, c := range []types.EventName{types.CommandJoinClassroom, types.CommandSendMessage, types.CommandCastVote} {
		if !NeedsAck(c) {
			t.Errorf("%s should need an ack", c)
		}
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("student-1") {
			t.Fatalf("command %d should be allowed", i+1)
		}
	}
	if rl.Allow("student-1") {
		t.Error("4th command inside the window should be denied")
	}
	if !rl.Allow("student-2") {
		t.Error("limits are per participant")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("student-1") {
		t.Error("new window should reset the count")
	}

	now = now.Add(10 * time.Minute)
	rl.Cleanup()
	if rl.Tracked() != 0 {
		t.Errorf("Tracked = %d after cleanup", rl.Tracked())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("x") {
		t.Error("nil limiter allows everything")
	}
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("x") {
			t.Fatal("zero limit disables limiting")
		}
	}
}

func TestRouter_BroadcastAudiences(t *testing.T) {
	registry := websocket.NewRegistry()
	teacher := &fakeConn{userID: "teacher-1", role: types.RoleTeacher, code: "ABC123"}
	s1 := &fakeConn{userID: "student-1", role: types.RoleStudent, code: "ABC123"}
	s2 := &fakeConn{userID: "student-2", role: types.RoleStudent, code: "ABC123", fail: errors.New("gone")}
	outsider := &fakeConn{userID: "student-3", role: types.RoleStudent, code: "XYZ789"}
	for _, c := range []*fakeConn{teacher, s1, s2, outsider} {
		if err := registry.Register(c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	r := NewRouter(registry, nil)

	if n := r.Broadcast("ABC123", Everyone, types.QuestionChanged{Question: "q"}, ""); n != 2 {
		t.Errorf("delivered = %d, want 2 (one recipient fails)", n)
	}
	if n := r.Broadcast("ABC123", Teachers, types.LevelProposed{Level: types.LevelFacts}, ""); n != 1 {
		t.Errorf("teachers delivered = %d", n)
	}
	if n := r.Broadcast("ABC123", Students, types.VoteReset{}, "student-1"); n != 0 {
		t.Errorf("exclude ignored, delivered = %d", n)
	}
	if len(outsider.frames) != 0 {
		t.Error("other classroom received events")
	}
	if err := r.SendTo("nobody", types.Ack{}); !errors.Is(err, ErrRecipientNotFound) {
		t.Errorf("SendTo unknown = %v", err)
	}
}

func TestReply(t *testing.T) {
	conn := &fakeConn{userID: "student-1"}

	Reply(conn, "req-1", nil, types.JoinResult{ParticipantID: "student-1", Role: types.RoleStudent})
	Reply(conn, "req-2", interfaces.ErrClassroomEnded, nil)
	Reply(conn, "", errors.New("fire and forget"), nil)

	if len(conn.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(conn.frames))
	}
	ok := conn.frames[0].event.(types.Ack)
	var result types.JoinResult
	if !ok.Success || conn.frames[0].id != "req-1" || json.Unmarshal(ok.Data, &result) != nil || result.ParticipantID != "student-1" {
		t.Errorf("success ack = %+v", ok)
	}
	denied := conn.frames[1].event.(types.Ack)
	if denied.Success || denied.Code != types.CodeClassroomDone {
		t.Errorf("denied ack = %+v", denied)
	}
}

func TestErrorCode(t *testing.T) {
	if ErrorCode(ErrRateLimitExceeded) != types.CodeRateLimited {
		t.Error("rate limit code")
	}
	if ErrorCode(interfaces.ErrClassroomNotFound) != types.CodeNotFound {
		t.Error("not found code")
	}
	if ErrorCode(types.NewStateConflict(errors.New("x"))) != types.CodeConflict {
		t.Error("conflict code")
	}
}
