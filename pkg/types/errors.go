package types

import (
	"errors"
	"fmt"
	"time"
)

// ARCHITECTURAL DISCOVERY: Sentinel errors identify the specific rule that was violated,
// the typed errors below classify them so callers can decide how to surface them
var (
	ErrInvalidClassroomCode = errors.New("classroom code must be exactly 6 alphanumeric characters")
	ErrInvalidDisplayName   = errors.New("display name must be 1-50 characters")
	ErrEmptyQuestion        = errors.New("question cannot be empty")
	ErrTooFewChoices        = errors.New("vote needs at least 2 choices")
	ErrTooManyChoices       = errors.New("vote allows at most 5 choices")
	ErrEmptyChoice          = errors.New("vote choice text cannot be empty")
	ErrInvalidMaxChoices    = errors.New("max choices must be between 1 and the number of choices")
	ErrInvalidLevel         = errors.New("dialogue level must be between 1 and 5")
	ErrInvalidControlMode   = errors.New("control mode must be AUTO, SEMI_AUTO or MANUAL")
	ErrEmptyContent         = errors.New("message content cannot be empty")
	ErrContentTooLarge      = errors.New("message content exceeds 64KB limit")
	ErrUnknownEvent         = errors.New("unknown event")
	ErrMissingCorrelationID = errors.New("ack request missing correlation id")
)

// ValidationError wraps a malformed-input rule violation.
// It is returned synchronously before anything reaches the network.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("validation failed for %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// StateConflictError is a denial caused by the current state, e.g. a second
// active vote or a disallowed re-vote. It is a calm no-op, never a crash.
type StateConflictError struct {
	Err error
}

func (e *StateConflictError) Error() string { return fmt.Sprintf("state conflict: %v", e.Err) }
func (e *StateConflictError) Unwrap() error { return e.Err }

// NewStateConflict wraps err as a StateConflictError.
func NewStateConflict(err error) error {
	return &StateConflictError{Err: err}
}

// AuthorizationError is returned when a participant attempts an action reserved
// for another role.
type AuthorizationError struct {
	Action string
	Role   Role
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q is not allowed to %s", e.Role, e.Action)
}

// ConnectionError is a refused or timed out transport operation.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AckTimeoutError is returned when no acknowledgement arrives before the deadline.
type AckTimeoutError struct {
	Event   EventName
	ID      string
	Timeout time.Duration
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("no ack for %s (id=%s) within %s", e.Event, e.ID, e.Timeout)
}

// Error codes carried in ack payloads so a remote denial can be rebuilt
// into the matching typed error on the client.
const (
	CodeValidation    = "validation"
	CodeConflict      = "conflict"
	CodeUnauthorized  = "unauthorized"
	CodeNotFound      = "not_found"
	CodeRateLimited   = "rate_limited"
	CodeInternal      = "internal"
	CodeClassroomDone = "classroom_ended"
)

// ErrorCode classifies err for transmission in an ack.
func ErrorCode(err error) string {
	var (
		validation *ValidationError
		conflict   *StateConflictError
		auth       *AuthorizationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &conflict):
		return CodeConflict
	case errors.As(err, &auth):
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}

// RemoteError is a denial reported by the server in an ack.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
