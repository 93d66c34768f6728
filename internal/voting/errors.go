package voting

import "errors"

// Vote denial reasons. The engine wraps them in types.StateConflictError
// when they come from the current state rather than malformed input.
var (
	ErrVoteActive        = errors.New("a vote is already active")
	ErrNoActiveVote      = errors.New("no vote is active")
	ErrVoteNotFound      = errors.New("vote id does not match the current vote")
	ErrVoteEnded         = errors.New("vote has ended")
	ErrAlreadyVoted      = errors.New("student has already voted")
	ErrInvalidChoice     = errors.New("choice is not part of this vote")
	ErrTooManySelections = errors.New("too many choices selected")
	ErrNotInRoster       = errors.New("student is not in the classroom")
	ErrBallotUnknown     = errors.New("previous ballot of this student is not recorded")
)
