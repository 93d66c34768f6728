package dialogue

import "errors"

// Dialogue transition errors
var (
	ErrRetreatNotAllowed = errors.New("dialogue level cannot move backwards")
	ErrNoPendingProposal = errors.New("no level proposal is waiting for confirmation")
)
