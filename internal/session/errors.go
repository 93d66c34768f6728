package session

import "errors"

// Classroom management errors
var (
	ErrInvalidTeacherID = errors.New("teacher id must be 1-50 characters of letters, digits, '-' or '_'")
	ErrManagerRunning   = errors.New("sweep loop already running")
)
