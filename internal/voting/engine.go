// Package voting runs the classroom polls: create, cast, tally, close and reset.
package voting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"seminar/internal/classroom"
	"seminar/pkg/types"
)

// Scheduler runs fn once after d and returns a function that cancels it.
// On the server the callback is posted back into the hub loop so that the
// auto-close never runs concurrently with other mutations.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// Options configures an Engine. Zero values are usable.
type Options struct {
	// Schedule arms auto-close timers. Nil disables auto-close, which is what
	// a client replica wants since the server closes votes authoritatively.
	Schedule Scheduler
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
	// OnAutoClose is called after a timer closed the vote.
	OnAutoClose func(vote *types.VoteData)
	// RequireMembership rejects ballots from students absent from the roster.
	RequireMembership bool
}

// Engine is the voting subsystem of one classroom.
// ARCHITECTURAL DISCOVERY: the live VoteData lives in the store so snapshots and
// state_sync carry it, ballots included; the engine itself only keeps the
// auto-close timer and the results of reset votes
type Engine struct {
	store *classroom.Store
	opts  Options

	cancelTimer func()
	history     []types.VoteData
}

// NewEngine creates an engine over store.
func NewEngine(store *classroom.Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{store: store, opts: opts}
}

// Current returns a copy of the live vote, or nil.
func (e *Engine) Current() *types.VoteData {
	return e.store.Vote().Clone()
}

// History returns the results of votes cleared by ResetVote, oldest first.
func (e *Engine) History() []types.VoteData {
	return append([]types.VoteData(nil), e.history...)
}

// CreateVote validates req and publishes a new vote.
func (e *Engine) CreateVote(req types.CreateVote) (*types.VoteData, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if current := e.store.Vote(); current != nil && !current.IsEnded {
		return nil, types.NewStateConflict(ErrVoteActive)
	}

	now := e.opts.Now()
	vote := &types.VoteData{
		ID:              e.opts.NewID(),
		Question:        req.Question,
		Choices:         make([]types.VoteChoice, len(req.Choices)),
		VotedStudents:   []string{},
		Ballots:         map[string][]string{},
		CreatedAt:       now,
		AllowChangeVote: req.AllowChangeVote,
		MaxChoices:      req.MaxChoices,
	}
	for i, text := range req.Choices {
		vote.Choices[i] = types.VoteChoice{ID: fmt.Sprintf("choice-%d", i+1), Text: text}
	}
	if req.DurationSeconds > 0 {
		endsAt := now.Add(time.Duration(req.DurationSeconds) * time.Second)
		vote.EndsAt = &endsAt
	}

	if err := e.store.SetVote(vote); err != nil {
		return nil, err
	}
	e.stopTimer()

	if vote.EndsAt != nil && e.opts.Schedule != nil {
		voteID := vote.ID
		e.cancelTimer = e.opts.Schedule(vote.EndsAt.Sub(now), func() { e.autoClose(voteID) })
	}
	return vote.Clone(), nil
}

// CastVote records studentID's single choice. See CastBallot.
func (e *Engine) CastVote(voteID, choiceID, studentID string) (*types.VoteData, error) {
	return e.CastBallot(voteID, studentID, []string{choiceID})
}

// CastBallot records studentID's selection.
// FUNCTIONAL DISCOVERY: every denial leaves the tally untouched and is returned as a
// StateConflictError so callers surface it as a calm no-op. A permitted re-vote
// withdraws the whole previous ballot before counting the new one, so a student
// never contributes more than one ballot
func (e *Engine) CastBallot(voteID, studentID string, selection []string) (*types.VoteData, error) {
	if e.opts.RequireMembership {
		if _, ok := e.store.Student(studentID); !ok {
			return nil, types.NewStateConflict(ErrNotInRoster)
		}
	}
	return e.apply(voteID, studentID, selection, true)
}

// ApplyRemoteCast mirrors a ballot reported by the server on a replica.
// FUNCTIONAL DISCOVERY: the server sends the tally after the cast and the replica
// installs it, so a replica that joined mid-vote never recomputes counts from
// ballots it did not see. Casts without a tally fall back to replaying the delta,
// skipping the roster check because the replica's roster may lag the server's
func (e *Engine) ApplyRemoteCast(cast types.VoteCast) (*types.VoteData, error) {
	if cast.Vote != nil {
		if cast.VoteID != "" && cast.Vote.ID != cast.VoteID {
			return nil, types.NewStateConflict(ErrVoteNotFound)
		}
		if err := e.ApplyRemote(cast.Vote); err != nil {
			return nil, err
		}
		return cast.Vote.Clone(), nil
	}
	return e.apply(cast.VoteID, cast.StudentID, types.CastVote{ChoiceIDs: cast.ChoiceIDs, ChoiceID: cast.ChoiceID}.Selection(), false)
}

func (e *Engine) apply(voteID, studentID string, selection []string, enforceChange bool) (*types.VoteData, error) {
	vote := e.store.Vote()
	switch {
	case vote == nil:
		return nil, types.NewStateConflict(ErrNoActiveVote)
	case voteID != "" && vote.ID != voteID:
		return nil, types.NewStateConflict(ErrVoteNotFound)
	case vote.IsEnded:
		return nil, types.NewStateConflict(ErrVoteEnded)
	case studentID == "":
		return nil, types.NewStateConflict(ErrNotInRoster)
	}

	indexes, err := resolve(vote, selection)
	if err != nil {
		return nil, err
	}

	previous, known := vote.Ballot(studentID)
	voted := known || vote.HasVoted(studentID)
	if voted && enforceChange && !vote.AllowChangeVote {
		return nil, types.NewStateConflict(ErrAlreadyVoted)
	}
	if voted && !known {
		// counted in a tally whose ballot was never recorded; withdrawing
		// nothing would count the student twice
		if !enforceChange {
			return vote.Clone(), nil
		}
		return nil, types.NewStateConflict(ErrBallotUnknown)
	}

	next := vote.Clone()
	for _, id := range previous {
		if i := next.Choice(id); i >= 0 && next.Choices[i].Count > 0 {
			next.Choices[i].Count--
		}
	}
	ballot := make([]string, len(indexes))
	for n, i := range indexes {
		next.Choices[i].Count++
		ballot[n] = next.Choices[i].ID
	}
	next.AddVoter(studentID)
	if next.Ballots == nil {
		next.Ballots = make(map[string][]string)
	}
	next.Ballots[studentID] = ballot

	if err := e.store.SetVote(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// resolve maps a selection onto choice indexes, rejecting unknown, duplicate
// or excess ids.
func resolve(vote *types.VoteData, selection []string) ([]int, error) {
	if len(selection) == 0 {
		return nil, types.NewStateConflict(ErrInvalidChoice)
	}
	limit := vote.MaxChoices
	if limit < 1 {
		limit = 1
	}
	if len(selection) > limit {
		return nil, types.NewStateConflict(ErrTooManySelections)
	}
	seen := make(map[int]bool, len(selection))
	indexes := make([]int, 0, len(selection))
	for _, id := range selection {
		i := vote.Choice(id)
		if i < 0 || seen[i] {
			return nil, types.NewStateConflict(ErrInvalidChoice)
		}
		seen[i] = true
		indexes = append(indexes, i)
	}
	return indexes, nil
}

// CloseVote ends the vote and cancels its auto-close timer. Closing an ended
// vote is a no-op.
func (e *Engine) CloseVote(voteID string) (*types.VoteData, error) {
	vote := e.store.Vote()
	if vote == nil {
		return nil, types.NewStateConflict(ErrNoActiveVote)
	}
	if voteID != "" && vote.ID != voteID {
		return nil, types.NewStateConflict(ErrVoteNotFound)
	}
	e.stopTimer()
	if vote.IsEnded {
		return vote.Clone(), nil
	}
	next := vote.Clone()
	next.IsEnded = true
	if err := e.store.SetVote(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// ResetVote archives the current results and clears the vote so a new one can
// be created. Results already handed to observers are not touched.
func (e *Engine) ResetVote(voteID string) error {
	vote := e.store.Vote()
	if vote == nil {
		return types.NewStateConflict(ErrNoActiveVote)
	}
	if voteID != "" && vote.ID != voteID {
		return types.NewStateConflict(ErrVoteNotFound)
	}
	e.stopTimer()
	archived := vote.Clone()
	archived.IsEnded = true
	if err := e.store.SetVote(nil); err != nil {
		return err
	}
	e.history = append(e.history, *archived)
	return nil
}

// ApplyRemote installs an authoritative vote snapshot (vote_started, vote_results).
func (e *Engine) ApplyRemote(vote *types.VoteData) error {
	if vote == nil {
		return nil
	}
	return e.store.SetVote(vote.Clone())
}

// ApplyRemoteEnd marks the vote ended after a vote_ended event.
func (e *Engine) ApplyRemoteEnd(voteID string) error {
	_, err := e.CloseVote(voteID)
	return err
}

// ApplyRemoteReset clears the vote after a vote_reset event.
func (e *Engine) ApplyRemoteReset(voteID string) error {
	return e.ResetVote(voteID)
}

// Participation returns the share of the current roster that voted, 0 for an
// empty roster. Voters who left the classroom are not counted.
func (e *Engine) Participation() float64 {
	vote := e.store.Vote()
	if vote == nil {
		return 0
	}
	present := make([]string, 0, len(vote.VotedStudents))
	for _, id := range vote.VotedStudents {
		if _, ok := e.store.Student(id); ok {
			present = append(present, id)
		}
	}
	return ParticipationRate(&types.VoteData{VotedStudents: present}, e.store.StudentCount())
}

// Leading returns the current leading choice.
func (e *Engine) Leading() (types.VoteChoice, bool) {
	return LeadingChoice(e.store.Vote())
}

// Rearm schedules the auto-close of a live vote installed from a snapshot, e.g.
// after the server restored a classroom. A deadline already in the past closes
// the vote on the next scheduler tick.
func (e *Engine) Rearm() {
	vote := e.store.Vote()
	if vote == nil || vote.IsEnded || vote.EndsAt == nil || e.opts.Schedule == nil {
		return
	}
	e.stopTimer()
	remaining := vote.EndsAt.Sub(e.opts.Now())
	if remaining < 0 {
		remaining = 0
	}
	voteID := vote.ID
	e.cancelTimer = e.opts.Schedule(remaining, func() { e.autoClose(voteID) })
}

// Stop cancels any pending auto-close timer.
func (e *Engine) Stop() { e.stopTimer() }

func (e *Engine) stopTimer() {
	if e.cancelTimer != nil {
		e.cancelTimer()
		e.cancelTimer = nil
	}
}

func (e *Engine) autoClose(voteID string) {
	vote := e.store.Vote()
	if vote == nil || vote.ID != voteID || vote.IsEnded {
		return
	}
	e.cancelTimer = nil
	closed, err := e.CloseVote(voteID)
	if err != nil {
		return
	}
	if e.opts.OnAutoClose != nil {
		e.opts.OnAutoClose(closed)
	}
}

// ParticipationRate is len(VotedStudents) / students, 0 when there are no
// students and never above 1.
func ParticipationRate(vote *types.VoteData, students int) float64 {
	if vote == nil || students == 0 {
		return 0
	}
	if len(vote.VotedStudents) >= students {
		return 1
	}
	return float64(len(vote.VotedStudents)) / float64(students)
}

// LeadingChoice returns the choice with the highest count. Ties go to the
// choice declared first.
func LeadingChoice(vote *types.VoteData) (types.VoteChoice, bool) {
	if vote == nil || len(vote.Choices) == 0 {
		return types.VoteChoice{}, false
	}
	best := 0
	for i := 1; i < len(vote.Choices); i++ {
		if vote.Choices[i].Count > vote.Choices[best].Count {
			best = i
		}
	}
	return vote.Choices[best], true
}
