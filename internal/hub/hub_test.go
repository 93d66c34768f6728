package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"seminar/internal/router"
	"seminar/internal/websocket"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

const testCode = "ABC123"

var testStart = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type sent struct {
	ev types.Event
	id string
}

// fakeConn records everything the hub sends to a participant.
type fakeConn struct {
	mu     sync.Mutex
	userID string
	role   types.Role
	code   string
	authed bool
	events []sent
}

func (f *fakeConn) WriteJSON(v interface{}) error { return nil }
func (f *fakeConn) Send(ev types.Event, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sent{ev: ev, id: id})
	return nil
}
func (f *fakeConn) Close() error { return nil }
func (f *fakeConn) GetUserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}
func (f *fakeConn) GetRole() types.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}
func (f *fakeConn) GetClassroomCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}
func (f *fakeConn) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}
func (f *fakeConn) SetCredentials(userID string, role types.Role, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID, f.role, f.code, f.authed = userID, role, code, true
	return nil
}

var _ interfaces.Connection = (*fakeConn)(nil)

func (f *fakeConn) find(match func(sent) bool) (sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.events {
		if match(s) {
			return s, true
		}
	}
	return sent{}, false
}

func (f *fakeConn) count(name types.EventName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.events {
		if s.ev.EventName() == name {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, c *fakeConn, name types.EventName) types.Event {
	t.Helper()
	var found sent
	waitUntil(t, string(name), func() bool {
		s, ok := c.find(func(s sent) bool { return s.ev.EventName() == name })
		found = s
		return ok
	})
	return found.ev
}

func waitAck(t *testing.T, c *fakeConn, id string) types.Ack {
	t.Helper()
	var found sent
	waitUntil(t, "ack "+id, func() bool {
		s, ok := c.find(func(s sent) bool { return s.id == id && s.ev.EventName() == types.EventAck })
		found = s
		return ok
	})
	return found.ev.(types.Ack)
}

// fakeTimer holds armed timers until the test fires them.
type fakeTimer struct {
	mu      sync.Mutex
	pending []*fakeTimerEntry
}

type fakeTimerEntry struct {
	d         time.Duration
	fire      func()
	cancelled bool
}

func (f *fakeTimer) arm(d time.Duration, fire func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeTimerEntry{d: d, fire: fire}
	f.pending = append(f.pending, e)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		e.cancelled = true
	}
}

func (f *fakeTimer) armed() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Duration
	for _, e := range f.pending {
		if !e.cancelled {
			out = append(out, e.d)
		}
	}
	return out
}

func (f *fakeTimer) fireAll() {
	f.mu.Lock()
	var due []*fakeTimerEntry
	for _, e := range f.pending {
		if !e.cancelled {
			due = append(due, e)
		}
	}
	f.pending = nil
	f.mu.Unlock()
	for _, e := range due {
		e.fire()
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRecorder struct {
	mu          sync.Mutex
	received    map[types.EventName]int
	sent        map[types.EventName]int
	votes       map[string]int
	transitions map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		received:    make(map[types.EventName]int),
		sent:        make(map[types.EventName]int),
		votes:       make(map[string]int),
		transitions: make(map[string]int),
	}
}

func (r *fakeRecorder) EventReceived(name types.EventName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[name]++
}

func (r *fakeRecorder) EventSent(name types.EventName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[name]++
}

func (r *fakeRecorder) VoteCast(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.votes[outcome]++
}

func (r *fakeRecorder) LevelTransition(cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[cause]++
}

func (r *fakeRecorder) voteCount(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.votes[outcome]
}

func (r *fakeRecorder) transitionCount(cause string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[cause]
}

// fakeArchive keeps the last archived state per classroom.
type fakeArchive struct {
	mu       sync.Mutex
	saved    map[string]types.ClassroomSession
	messages map[string][]types.Message
	votes    map[string]types.VoteData
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		saved:    make(map[string]types.ClassroomSession),
		messages: make(map[string][]types.Message),
		votes:    make(map[string]types.VoteData),
	}
}

func (a *fakeArchive) SaveClassroom(_ context.Context, s *types.ClassroomSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[s.Code] = *s
	return nil
}
func (a *fakeArchive) GetClassroom(_ context.Context, code string) (*types.ClassroomSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.saved[code]
	if !ok {
		return nil, interfaces.ErrClassroomNotFound
	}
	return &s, nil
}
func (a *fakeArchive) ListRestorable(context.Context, time.Time) ([]*types.ClassroomSession, error) {
	return nil, nil
}
func (a *fakeArchive) StoreMessage(_ context.Context, code string, m *types.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[code] = append(a.messages[code], *m)
	return nil
}
func (a *fakeArchive) GetHistory(_ context.Context, code string) ([]types.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Message(nil), a.messages[code]...), nil
}
func (a *fakeArchive) StoreVote(_ context.Context, code string, v *types.VoteData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.votes[v.ID] = *v
	return nil
}
func (a *fakeArchive) HealthCheck(context.Context) error { return nil }
func (a *fakeArchive) Close() error                      { return nil }

func (a *fakeArchive) status(code string) types.ClassroomStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saved[code].Status
}

func (a *fakeArchive) messageCount(code string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages[code])
}

type fakeAI struct {
	result *types.DialogueResult
	calls  atomic.Int32
}

func (f *fakeAI) Evaluate(_ context.Context, dctx types.DialogueContext) (*types.DialogueResult, error) {
	f.calls.Add(1)
	if len(dctx.History) == 0 {
		return nil, errors.New("empty history")
	}
	return f.result, nil
}

type harness struct {
	hub      *Hub
	registry *websocket.Registry
	timer    *fakeTimer
	clock    *testClock
	recorder *fakeRecorder
	archive  *fakeArchive
	ids      atomic.Int32
}

func newHarness(t *testing.T, cfg Config, limiter *router.RateLimiter) *harness {
	t.Helper()
	hs := &harness{
		registry: websocket.NewRegistry(),
		timer:    &fakeTimer{},
		clock:    &testClock{now: testStart},
		recorder: newFakeRecorder(),
		archive:  newFakeArchive(),
	}
	cfg.Timer = hs.timer.arm
	cfg.Now = hs.clock.Now
	cfg.Recorder = hs.recorder
	if cfg.Archive == nil {
		cfg.Archive = hs.archive
	}
	hs.hub = NewHub(hs.registry, router.NewRouter(hs.registry, limiter), cfg)
	if err := hs.hub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = hs.hub.Stop() })
	return hs
}

func (hs *harness) open(t *testing.T, session types.ClassroomSession) {
	t.Helper()
	if session.Code == "" {
		session.Code = testCode
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = testStart
		session.ExpiresAt = testStart.Add(types.ClassroomTTL)
	}
	if session.TeacherID == "" {
		session.TeacherID = "teacher-1"
	}
	if err := hs.hub.Open(context.Background(), session); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func (hs *harness) request(t *testing.T, c *fakeConn, ev types.Event) types.Ack {
	t.Helper()
	id := fmt.Sprintf("req-%d", hs.ids.Add(1))
	env, err := types.NewEnvelope(ev, id)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := hs.hub.Submit(c, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return waitAck(t, c, id)
}

func (hs *harness) emit(t *testing.T, c *fakeConn, ev types.Event) {
	t.Helper()
	env, _ := types.NewEnvelope(ev, "")
	if err := hs.hub.Submit(c, env); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func (hs *harness) joinTeacher(t *testing.T) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	if ack := hs.request(t, c, types.JoinClassroom{Code: testCode, IsTeacher: true}); !ack.Success {
		t.Fatalf("teacher join denied: %s", ack.Error)
	}
	return c
}

func (hs *harness) joinStudent(t *testing.T, name, id string) (*fakeConn, string) {
	t.Helper()
	c := &fakeConn{}
	ack := hs.request(t, c, types.JoinClassroom{Code: testCode, StudentName: name, StudentID: id})
	if !ack.Success {
		t.Fatalf("student join denied: %s", ack.Error)
	}
	var result types.JoinResult
	if err := ack.Decode(&result); err != nil {
		t.Fatalf("decode join result: %v", err)
	}
	return c, result.ParticipantID
}

// TestHub_StartStop tests functional validation - hub lifecycle management
func TestHub_StartStop(t *testing.T) {
	registry := websocket.NewRegistry()
	hub := NewHub(registry, router.NewRouter(registry, nil), Config{})

	if err := hub.Submit(&fakeConn{}, &types.Envelope{Event: types.CommandPing}); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning before start, got %v", err)
	}
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Expected no error starting hub, got %v", err)
	}
	if err := hub.Start(context.Background()); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := hub.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
	if _, err := hub.Snapshot(context.Background(), testCode); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning after stop, got %v", err)
	}
}

func TestHub_TeacherJoinActivatesClassroom(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})

	c := &fakeConn{}
	ack := hs.request(t, c, types.JoinClassroom{Code: "abc123", IsTeacher: true})
	if !ack.Success {
		t.Fatalf("join denied: %s", ack.Error)
	}
	var result types.JoinResult
	_ = ack.Decode(&result)
	if result.ParticipantID != "teacher-1" || result.Role != types.RoleTeacher {
		t.Errorf("join result = %+v", result)
	}

	sync := waitEvent(t, c, types.EventStateSync).(types.StateSync)
	if sync.Status == nil || *sync.Status != types.StatusActive || sync.Code == nil || *sync.Code != testCode {
		t.Errorf("full state_sync expected after join, got %+v", sync.SessionSync)
	}
	snap, err := hs.hub.Snapshot(context.Background(), testCode)
	if err != nil || snap.Status != types.StatusActive {
		t.Errorf("Snapshot = %+v, %v", snap, err)
	}
}

func TestHub_StudentJoinBroadcastsAndSyncs(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)

	student, id := hs.joinStudent(t, " 张三 ", "")
	if id == "" {
		t.Fatal("server should assign a participant id")
	}

	joined := waitEvent(t, teacher, types.EventStudentJoined).(types.StudentJoined)
	if joined.ID != id || joined.DisplayName != "张三" || !joined.IsOnline {
		t.Errorf("student_joined = %+v", joined)
	}
	if student.count(types.EventStudentJoined) != 0 {
		t.Error("the joining student should not receive its own student_joined")
	}
	sync := waitEvent(t, student, types.EventStateSync).(types.StateSync)
	if _, ok := sync.Students[id]; !ok {
		t.Errorf("state_sync roster misses the student: %v", sync.Students)
	}
	waitUntil(t, "archived roster", func() bool {
		s, _ := hs.archive.GetClassroom(context.Background(), testCode)
		return s != nil && len(s.Students) == 1
	})
}

func TestHub_JoinDenials(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})

	tests := []struct {
		name string
		req  types.JoinClassroom
		code string
	}{
		{"malformed code", types.JoinClassroom{Code: "AB", StudentName: "a"}, types.CodeValidation},
		{"unknown classroom", types.JoinClassroom{Code: "ZZZ999", StudentName: "a"}, types.CodeNotFound},
		{"blank name", types.JoinClassroom{Code: testCode, StudentName: "  "}, types.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := hs.request(t, &fakeConn{}, tt.req)
			if ack.Success || ack.Code != tt.code {
				t.Errorf("ack = %+v, want code %s", ack, tt.code)
			}
		})
	}
}

func TestHub_StudentReconnectKeepsSeat(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)
	first, id := hs.joinStudent(t, "李四", "")

	hs.hub.Disconnected(first)
	status := waitEvent(t, teacher, types.EventStudentStatus).(types.StudentStatus)
	if status.StudentID != id || status.IsOnline {
		t.Errorf("student_status = %+v, want offline", status)
	}

	_, again := hs.joinStudent(t, "李四", id)
	if again != id {
		t.Errorf("rejoin got id %s, want %s", again, id)
	}
	waitUntil(t, "online status", func() bool {
		_, ok := teacher.find(func(s sent) bool {
			st, isStatus := s.ev.(types.StudentStatus)
			return isStatus && st.IsOnline
		})
		return ok
	})
	snap, _ := hs.hub.Snapshot(context.Background(), testCode)
	if len(snap.Students) != 1 || !snap.Students[id].IsOnline {
		t.Errorf("roster = %+v", snap.Students)
	}
	if teacher.count(types.EventStudentJoined) != 1 {
		t.Error("a rejoin must not announce a second student")
	}
}

func TestHub_CommandRules(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	hs.joinTeacher(t)
	student, _ := hs.joinStudent(t, "王五", "")

	if ack := hs.request(t, &fakeConn{}, types.SkipLevel{}); ack.Code != types.CodeConflict {
		t.Errorf("command before join: %+v", ack)
	}
	if ack := hs.request(t, student, types.SkipLevel{}); ack.Code != types.CodeUnauthorized {
		t.Errorf("student skip_level: %+v", ack)
	}
	if ack := hs.request(t, student, types.JoinClassroom{Code: testCode, StudentName: "x"}); ack.Code != types.CodeConflict {
		t.Errorf("second join on one connection: %+v", ack)
	}
	if ack := hs.request(t, student, types.SendMessage{Content: "   "}); ack.Code != types.CodeValidation {
		t.Errorf("blank message: %+v", ack)
	}
	if ack := hs.request(t, student, types.Ping{}); !ack.Success {
		t.Errorf("ping: %+v", ack)
	}
}

func TestHub_RateLimit(t *testing.T) {
	hs := newHarness(t, Config{}, router.NewRateLimiter(1, time.Minute))
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)

	if ack := hs.request(t, teacher, types.SetQuestion{Question: "什么是正义？"}); !ack.Success {
		t.Fatalf("first command denied: %+v", ack)
	}
	if ack := hs.request(t, teacher, types.SetQuestion{Question: "again"}); ack.Code != types.CodeRateLimited {
		t.Errorf("second command: %+v, want rate_limited", ack)
	}
}

func TestHub_VoteLifecycle(t *testing.T) {
	hs := newHarness(t, Config{RequireRoster: true}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)
	student, id := hs.joinStudent(t, "赵六", "")

	ack := hs.request(t, teacher, types.CreateVote{Question: "同意吗？", Choices: []string{"同意", "反对"}, DurationSeconds: 60})
	if !ack.Success {
		t.Fatalf("create_vote denied: %+v", ack)
	}
	started := waitEvent(t, student, types.EventVoteStarted).(types.VoteStarted)
	if got := hs.timer.armed(); len(got) != 1 || got[0] != time.Minute {
		t.Errorf("armed timers = %v, want [1m]", got)
	}

	if ack := hs.request(t, student, types.CastVote{VoteID: started.ID, ChoiceID: "choice-1"}); !ack.Success {
		t.Fatalf("cast_vote denied: %+v", ack)
	}
	cast := waitEvent(t, teacher, types.EventVoteCast).(types.VoteCast)
	if cast.StudentID != id || len(cast.ChoiceIDs) != 1 || cast.ChoiceIDs[0] != "choice-1" {
		t.Errorf("vote_cast = %+v", cast)
	}
	if ack := hs.request(t, student, types.CastVote{VoteID: started.ID, ChoiceID: "choice-2"}); ack.Code != types.CodeConflict {
		t.Errorf("re-vote without allowChangeVote: %+v", ack)
	}
	if hs.recorder.voteCount("accepted") != 1 || hs.recorder.voteCount("denied") != 1 {
		t.Errorf("vote outcomes accepted=%d denied=%d", hs.recorder.voteCount("accepted"), hs.recorder.voteCount("denied"))
	}

	hs.timer.fireAll()
	results := waitEvent(t, student, types.EventVoteResults).(types.VoteResults)
	if !results.IsEnded || results.Choices[0].Count != 1 {
		t.Errorf("vote_results = %+v", results.VoteData)
	}
	if teacher.count(types.EventVoteEnded) != 1 {
		t.Error("teacher should see vote_ended once")
	}

	if ack := hs.request(t, teacher, types.ResetVote{VoteID: started.ID}); !ack.Success {
		t.Fatalf("reset_vote denied: %+v", ack)
	}
	waitEvent(t, student, types.EventVoteReset)
	snap, _ := hs.hub.Snapshot(context.Background(), testCode)
	if snap.CurrentVote != nil {
		t.Error("vote should be cleared after reset")
	}
}

func TestHub_CloseVoteCancelsTimer(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)

	ack := hs.request(t, teacher, types.CreateVote{Question: "q", Choices: []string{"a", "b"}, DurationSeconds: 30})
	var vote types.VoteData
	_ = ack.Decode(&vote)
	if ack := hs.request(t, teacher, types.CloseVote{VoteID: vote.ID}); !ack.Success {
		t.Fatalf("close_vote denied: %+v", ack)
	}
	if got := hs.timer.armed(); len(got) != 0 {
		t.Errorf("close should cancel the auto-close timer, armed = %v", got)
	}
}

func TestHub_CastVoteBroadcastsTallyAndArchivesBallot(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)
	student, id := hs.joinStudent(t, "钱七", "")

	ack := hs.request(t, teacher, types.CreateVote{Question: "q", Choices: []string{"a", "b"}, AllowChangeVote: true})
	var vote types.VoteData
	_ = ack.Decode(&vote)

	if ack := hs.request(t, student, types.CastVote{VoteID: vote.ID, ChoiceID: "choice-1"}); !ack.Success {
		t.Fatalf("cast_vote denied: %+v", ack)
	}
	cast := waitEvent(t, teacher, types.EventVoteCast).(types.VoteCast)
	if cast.Vote == nil || cast.Vote.Choices[0].Count != 1 || cast.Vote.Choices[1].Count != 0 {
		t.Fatalf("vote_cast should carry the tally after the cast, got %+v", cast.Vote)
	}

	waitUntil(t, "archived ballot", func() bool {
		s, _ := hs.archive.GetClassroom(context.Background(), testCode)
		if s == nil || s.CurrentVote == nil {
			return false
		}
		ballot, ok := s.CurrentVote.Ballot(id)
		return ok && len(ballot) == 1 && ballot[0] == "choice-1"
	})
	waitUntil(t, "archived vote", func() bool {
		hs.archive.mu.Lock()
		defer hs.archive.mu.Unlock()
		v, ok := hs.archive.votes[vote.ID]
		return ok && v.Choices[0].Count == 1
	})
}

func TestHub_MessageWithAutoEvaluation(t *testing.T) {
	next := types.LevelFacts
	ai := &fakeAI{result: &types.DialogueResult{
		Content:        "你观察到了什么？",
		SuggestedLevel: &next,
		Evaluation:     types.Evaluation{Understanding: 0.8, CanProgress: true},
	}}
	hs := newHarness(t, Config{AI: ai}, nil)
	hs.open(t, types.ClassroomSession{ControlMode: types.ControlAuto})
	teacher := hs.joinTeacher(t)
	student, id := hs.joinStudent(t, "孙七", "")

	ack := hs.request(t, student, types.SendMessage{Content: "合同需要双方同意"})
	if !ack.Success {
		t.Fatalf("send_message denied: %+v", ack)
	}
	mine := waitEvent(t, student, types.EventMessageSent).(types.MessageSent)
	if mine.AuthorID != id || mine.Role != types.RoleStudent || mine.Level != types.LevelObservation {
		t.Errorf("message_sent = %+v", mine.Message)
	}
	other := waitEvent(t, teacher, types.EventMessageBroadcast).(types.MessageBroadcast)
	if other.ID != mine.ID {
		t.Error("broadcast and sent copies should share the id")
	}
	if student.count(types.EventMessageBroadcast) != 0 {
		t.Error("the author should not get message_broadcast")
	}

	agent := waitEvent(t, student, types.EventMessageReceived).(types.MessageReceived)
	if agent.Role != types.RoleAgent || agent.Content != "你观察到了什么？" {
		t.Errorf("agent message = %+v", agent.Message)
	}
	changed := waitEvent(t, teacher, types.EventLevelChanged).(types.LevelChanged)
	if changed.Level != types.LevelFacts {
		t.Errorf("level_changed = %v, want FACTS", changed.Level)
	}
	if hs.recorder.transitionCount("ai") != 1 {
		t.Error("AI transition should be recorded")
	}
	waitUntil(t, "archived messages", func() bool { return hs.archive.messageCount(testCode) == 2 })
}

func TestHub_SemiAutoProposalGoesToTeachers(t *testing.T) {
	ai := &fakeAI{result: &types.DialogueResult{Evaluation: types.Evaluation{CanProgress: true}}}
	hs := newHarness(t, Config{AI: ai}, nil)
	hs.open(t, types.ClassroomSession{ControlMode: types.ControlSemiAuto})
	teacher := hs.joinTeacher(t)
	student, _ := hs.joinStudent(t, "周八", "")

	hs.request(t, student, types.SendMessage{Content: "我看到了一份合同"})
	proposed := waitEvent(t, teacher, types.EventLevelProposed).(types.LevelProposed)
	if proposed.Level != types.LevelFacts || !proposed.Evaluation.CanProgress {
		t.Errorf("level_proposed = %+v", proposed)
	}
	if student.count(types.EventLevelProposed) != 0 {
		t.Error("proposals are for teachers only")
	}
	if snap, _ := hs.hub.Snapshot(context.Background(), testCode); snap.Level != types.LevelObservation {
		t.Error("SEMI_AUTO must not move the level before confirmation")
	}

	if ack := hs.request(t, teacher, types.ConfirmLevel{}); !ack.Success {
		t.Fatalf("confirm_level denied: %+v", ack)
	}
	changed := waitEvent(t, student, types.EventLevelChanged).(types.LevelChanged)
	if changed.Level != types.LevelFacts {
		t.Errorf("level_changed = %v", changed.Level)
	}
}

func TestHub_TeacherLevelControls(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)

	if ack := hs.request(t, teacher, types.SetLevel{Level: types.LevelAnalysis}); !ack.Success {
		t.Fatalf("set_level denied: %+v", ack)
	}
	if ack := hs.request(t, teacher, types.SetLevel{Level: types.LevelFacts}); ack.Code != types.CodeConflict {
		t.Errorf("retreat without allow_retreat: %+v", ack)
	}
	if ack := hs.request(t, teacher, types.SkipLevel{}); !ack.Success {
		t.Fatalf("skip_level denied: %+v", ack)
	}
	if ack := hs.request(t, teacher, types.SetControlMode{Mode: types.ControlAuto}); !ack.Success {
		t.Fatalf("set_control_mode denied: %+v", ack)
	}
	snap, _ := hs.hub.Snapshot(context.Background(), testCode)
	if snap.Level != types.LevelApplication || snap.ControlMode != types.ControlAuto {
		t.Errorf("snapshot level=%v mode=%v", snap.Level, snap.ControlMode)
	}
	if hs.recorder.transitionCount("teacher") != 1 || hs.recorder.transitionCount("skip") != 1 {
		t.Error("teacher and skip transitions should be recorded")
	}
}

func TestHub_HandRaiseWithoutAck(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)
	student, id := hs.joinStudent(t, "吴九", "")

	hs.emit(t, student, types.RaiseHand{})
	raised := waitEvent(t, teacher, types.EventStudentHandRaised).(types.StudentHandRaised)
	if raised.StudentID != id {
		t.Errorf("hand raised by %q, want %q", raised.StudentID, id)
	}
	snap, _ := hs.hub.Snapshot(context.Background(), testCode)
	if !snap.Students[id].HandRaised {
		t.Error("roster should show the raised hand")
	}
	if student.count(types.EventAck) != 1 {
		t.Error("only the join should be acked")
	}
}

func TestHub_LeaveRemovesStudent(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)
	student, id := hs.joinStudent(t, "郑十", "")

	if ack := hs.request(t, student, types.LeaveClassroom{}); !ack.Success {
		t.Fatalf("leave denied: %+v", ack)
	}
	left := waitEvent(t, teacher, types.EventStudentLeft).(types.StudentLeft)
	if left.StudentID != id {
		t.Errorf("student_left = %+v", left)
	}
	if _, ok := hs.registry.Get(id); ok {
		t.Error("connection should be unregistered after leave")
	}
}

func TestHub_EndClassroom(t *testing.T) {
	var ended atomic.Value
	hs := newHarness(t, Config{OnEnded: func(code string) { ended.Store(code) }}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)
	student, _ := hs.joinStudent(t, "陈一", "")

	if err := hs.hub.EndClassroom(context.Background(), testCode); err != nil {
		t.Fatalf("EndClassroom: %v", err)
	}
	waitEvent(t, student, types.EventClassroomEnded)
	if ended.Load() != testCode {
		t.Error("OnEnded should be called with the code")
	}
	if ack := hs.request(t, teacher, types.SetQuestion{Question: "q"}); ack.Code != types.CodeClassroomDone {
		t.Errorf("mutation after end: %+v", ack)
	}
	if err := hs.hub.EndClassroom(context.Background(), testCode); !errors.Is(err, interfaces.ErrClassroomEnded) {
		t.Errorf("second end: %v", err)
	}
	if err := hs.hub.EndClassroom(context.Background(), "NOPE00"); !errors.Is(err, interfaces.ErrClassroomNotFound) {
		t.Errorf("unknown classroom: %v", err)
	}
	waitUntil(t, "archived end", func() bool { return hs.archive.status(testCode) == types.StatusEnded })
	if ack := hs.request(t, &fakeConn{}, types.JoinClassroom{Code: testCode, StudentName: "late"}); ack.Code != types.CodeClassroomDone {
		t.Errorf("join after end: %+v", ack)
	}
}

func TestHub_SweepEndsExpiredClassrooms(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	teacher := hs.joinTeacher(t)

	codes, err := hs.hub.Sweep(context.Background(), testStart.Add(time.Hour))
	if err != nil || len(codes) != 0 {
		t.Fatalf("early sweep = %v, %v", codes, err)
	}

	codes, err = hs.hub.Sweep(context.Background(), testStart.Add(types.ClassroomTTL))
	if err != nil || len(codes) != 1 || codes[0] != testCode {
		t.Fatalf("sweep at expiry = %v, %v", codes, err)
	}
	waitEvent(t, teacher, types.EventClassroomEnded)
	if _, err := hs.hub.Snapshot(context.Background(), testCode); err != nil {
		t.Error("ended classroom stays readable while participants are connected")
	}

	hs.hub.Disconnected(teacher)
	waitUntil(t, "teacher unregistered", func() bool { return len(hs.registry.ClassroomConnections(testCode)) == 0 })
	if _, err := hs.hub.Sweep(context.Background(), testStart.Add(types.ClassroomTTL)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := hs.hub.Snapshot(context.Background(), testCode); !errors.Is(err, interfaces.ErrClassroomNotFound) {
		t.Errorf("empty ended classroom should be forgotten, got %v", err)
	}
}

func TestHub_OpenRestoredClassroom(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	endsAt := testStart.Add(45 * time.Second)
	hs.clock.Advance(15 * time.Second)
	hs.open(t, types.ClassroomSession{
		Status: types.StatusActive,
		Level:  types.LevelAnalysis,
		CurrentVote: &types.VoteData{
			ID: "vote-1", Question: "q", MaxChoices: 1, EndsAt: &endsAt,
			Choices: []types.VoteChoice{{ID: "choice-1", Text: "a"}, {ID: "choice-2", Text: "b"}},
		},
	})

	if got := hs.timer.armed(); len(got) != 1 || got[0] != 30*time.Second {
		t.Errorf("restored vote timer = %v, want [30s]", got)
	}
	if err := hs.hub.Open(context.Background(), types.ClassroomSession{Code: testCode}); !errors.Is(err, ErrClassroomExists) {
		t.Errorf("duplicate open: %v", err)
	}
	if err := hs.hub.Open(context.Background(), types.ClassroomSession{Code: "END000", Status: types.StatusEnded}); !errors.Is(err, interfaces.ErrClassroomEnded) {
		t.Errorf("opening an ended classroom: %v", err)
	}

	student, _ := hs.joinStudent(t, "restored", "")
	sync := waitEvent(t, student, types.EventStateSync).(types.StateSync)
	if *sync.Level != types.LevelAnalysis || sync.CurrentVote == nil || sync.CurrentVote.ID != "vote-1" {
		t.Errorf("restored state not synced: %+v", sync.SessionSync)
	}
}

func TestHub_UnknownAndMalformedCommands(t *testing.T) {
	hs := newHarness(t, Config{}, nil)
	hs.open(t, types.ClassroomSession{})
	c := &fakeConn{}

	if err := hs.hub.Submit(c, &types.Envelope{Event: "dance", ID: "x1"}); err != nil {
		t.Fatal(err)
	}
	if ack := waitAck(t, c, "x1"); ack.Success {
		t.Error("unknown command should be denied")
	}
	if err := hs.hub.Submit(c, &types.Envelope{Event: types.CommandJoinClassroom, ID: "x2", Payload: []byte(`{"code":`)}); err != nil {
		t.Fatal(err)
	}
	if ack := waitAck(t, c, "x2"); ack.Code != types.CodeValidation {
		t.Errorf("malformed payload: %+v", ack)
	}
}
