package hub

import "errors"

// Hub errors
var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrCommandChannelFull = errors.New("command channel is full")
	ErrClassroomExists    = errors.New("classroom already open")
	ErrAlreadyJoined      = errors.New("connection already joined a classroom")
	ErrNotMember          = errors.New("connection has not joined a classroom")
	ErrUnsupportedCommand = errors.New("command not supported")
)
