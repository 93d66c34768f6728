package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrClassroomNotFound = errors.New("classroom not found")
	ErrClassroomEnded    = errors.New("classroom has ended")
)
