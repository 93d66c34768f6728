package router

import "seminar/pkg/types"

// FUNCTIONAL DISCOVERY: classroom control belongs to the teacher, ballots and hand
// raising to students; joining, leaving, chatting and ping are open to both
var (
	teacherOnly = map[types.EventName]string{
		types.CommandCreateVote:     "create a vote",
		types.CommandCloseVote:      "close a vote",
		types.CommandResetVote:      "reset a vote",
		types.CommandSetLevel:       "set the dialogue level",
		types.CommandSkipLevel:      "skip the dialogue level",
		types.CommandConfirmLevel:   "confirm the dialogue level",
		types.CommandSetControlMode: "change the control mode",
		types.CommandSetQuestion:    "set the question",
		types.CommandEndClassroom:   "end the classroom",
	}
	studentOnly = map[types.EventName]string{
		types.CommandCastVote:  "cast a vote",
		types.CommandRaiseHand: "raise a hand",
		types.CommandLowerHand: "lower a hand",
	}
)

// Authorize checks whether role may send command name.
func Authorize(role types.Role, name types.EventName) error {
	if !types.IsCommand(name) {
		return ErrUnknownCommand
	}
	if action, ok := teacherOnly[name]; ok && role != types.RoleTeacher {
		return &types.AuthorizationError{Action: action, Role: role}
	}
	if action, ok := studentOnly[name]; ok && role != types.RoleStudent {
		return &types.AuthorizationError{Action: action, Role: role}
	}
	return nil
}

// TeacherOnly reports whether name is reserved for the teacher.
func TeacherOnly(name types.EventName) bool {
	_, ok := teacherOnly[name]
	return ok
}

// NeedsAck reports whether the client sends name with a correlation id.
// Hand status updates are fire-and-forget.
func NeedsAck(name types.EventName) bool {
	switch name {
	case types.CommandRaiseHand, types.CommandLowerHand:
		return false
	default:
		return types.IsCommand(name)
	}
}
