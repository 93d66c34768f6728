package classroom

import (
	"errors"

	"seminar/pkg/interfaces"
)

var (
	ErrClassroomEnded       = interfaces.ErrClassroomEnded
	ErrStudentNotFound      = errors.New("student not in classroom")
	ErrInvalidStudent       = errors.New("student id must be a valid participant id")
	ErrCodeGenerationFailed = errors.New("could not generate a unique classroom code")
)
