// Package dialogue governs transitions between the five Socratic dialogue levels.
package dialogue

import (
	"seminar/internal/classroom"
	"seminar/pkg/types"
)

// Cause records what triggered a level transition.
type Cause string

const (
	CauseTeacher Cause = "teacher"
	CauseSkip    Cause = "skip"
	CauseAI      Cause = "ai"
	CauseConfirm Cause = "confirm"
	CauseRemote  Cause = "remote"
)

// Transition describes one level change. From == To means nothing changed.
type Transition struct {
	From  types.DialogueLevel
	To    types.DialogueLevel
	Cause Cause
}

// Changed reports whether the level actually moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Outcome is the effect of an AI evaluation under the current control mode.
// At most one of Applied or Proposed is set; Advisory is the level the AI
// would have moved to when the mode kept the level unchanged.
type Outcome struct {
	Applied  *Transition
	Proposed *types.DialogueLevel
	Advisory *types.DialogueLevel
}

// Machine is the dialogue level state machine of one classroom.
// ARCHITECTURAL DISCOVERY: the level itself lives in the classroom store,
// the machine only owns the pending SEMI_AUTO proposal and the transition rules
type Machine struct {
	store        *classroom.Store
	allowRetreat bool

	pending     *types.DialogueLevel
	pendingEval types.Evaluation
}

// NewMachine creates a machine driving store's level. allowRetreat permits a
// teacher to set a lower level explicitly.
func NewMachine(store *classroom.Store, allowRetreat bool) *Machine {
	return &Machine{store: store, allowRetreat: allowRetreat}
}

// Level returns the current level.
func (m *Machine) Level() types.DialogueLevel { return m.store.Level() }

// Pending returns the proposal awaiting teacher confirmation, if any.
func (m *Machine) Pending() (types.DialogueLevel, types.Evaluation, bool) {
	if m.pending == nil {
		return 0, types.Evaluation{}, false
	}
	return *m.pending, m.pendingEval, true
}

func requireTeacher(role types.Role, action string) error {
	if role != types.RoleTeacher {
		return &types.AuthorizationError{Action: action, Role: role}
	}
	return nil
}

func (m *Machine) move(to types.DialogueLevel, cause Cause) (Transition, error) {
	t := Transition{From: m.store.Level(), To: to, Cause: cause}
	if !t.Changed() {
		return t, nil
	}
	if err := m.store.SetLevel(to); err != nil {
		return Transition{From: t.From, To: t.From, Cause: cause}, err
	}
	m.pending = nil
	return t, nil
}

// SetLevel is the explicit teacher action, the only way a MANUAL classroom changes level.
func (m *Machine) SetLevel(role types.Role, level types.DialogueLevel) (Transition, error) {
	current := m.store.Level()
	if err := requireTeacher(role, "set the dialogue level"); err != nil {
		return Transition{From: current, To: current, Cause: CauseTeacher}, err
	}
	if err := types.ValidateLevel(level); err != nil {
		return Transition{From: current, To: current, Cause: CauseTeacher}, err
	}
	if level < current && !m.allowRetreat {
		return Transition{From: current, To: current, Cause: CauseTeacher}, types.NewStateConflict(ErrRetreatNotAllowed)
	}
	return m.move(level, CauseTeacher)
}

// Skip advances exactly one level in any mode, capped at VALUES.
func (m *Machine) Skip(role types.Role) (Transition, error) {
	current := m.store.Level()
	if err := requireTeacher(role, "skip the dialogue level"); err != nil {
		return Transition{From: current, To: current, Cause: CauseSkip}, err
	}
	return m.move(current.Next(), CauseSkip)
}

// ApplyEvaluation feeds an AI result through the control mode rules.
// FUNCTIONAL DISCOVERY: MANUAL never mutates, SEMI_AUTO only records a proposal,
// AUTO applies at once. The target is the suggested level when it is ahead of the
// current one, otherwise the next level.
func (m *Machine) ApplyEvaluation(result types.DialogueResult) (Outcome, error) {
	if !result.Evaluation.CanProgress {
		return Outcome{}, nil
	}
	current := m.store.Level()
	target := current.Next()
	if s := result.SuggestedLevel; s != nil && s.Valid() && *s > current {
		target = *s
	}
	if target <= current {
		return Outcome{}, nil
	}

	switch m.store.ControlMode() {
	case types.ControlAuto:
		t, err := m.move(target, CauseAI)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: &t}, nil
	case types.ControlSemiAuto:
		m.pending = &target
		m.pendingEval = result.Evaluation
		return Outcome{Proposed: &target}, nil
	default:
		return Outcome{Advisory: &target}, nil
	}
}

// Confirm applies the pending SEMI_AUTO proposal.
func (m *Machine) Confirm(role types.Role) (Transition, error) {
	current := m.store.Level()
	if err := requireTeacher(role, "confirm the dialogue level"); err != nil {
		return Transition{From: current, To: current, Cause: CauseConfirm}, err
	}
	if m.pending == nil {
		return Transition{From: current, To: current, Cause: CauseConfirm}, types.NewStateConflict(ErrNoPendingProposal)
	}
	target := *m.pending
	m.pending = nil
	// a proposal overtaken by a later change is dropped rather than retreating
	if target <= current {
		return Transition{From: current, To: current, Cause: CauseConfirm}, nil
	}
	return m.move(target, CauseConfirm)
}

// ApplyAuthoritative installs a level received from the server. It always wins,
// regardless of control mode or direction.
func (m *Machine) ApplyAuthoritative(level types.DialogueLevel) (Transition, error) {
	m.pending = nil
	if err := types.ValidateLevel(level); err != nil {
		current := m.store.Level()
		return Transition{From: current, To: current, Cause: CauseRemote}, err
	}
	return m.move(level, CauseRemote)
}

// SetControlMode changes who may move the level. Leaving SEMI_AUTO drops any proposal.
func (m *Machine) SetControlMode(role types.Role, mode types.ControlMode) error {
	if err := requireTeacher(role, "change the control mode"); err != nil {
		return err
	}
	return m.ApplyControlMode(mode)
}

// ApplyControlMode installs a mode without a role check, used for authoritative updates.
func (m *Machine) ApplyControlMode(mode types.ControlMode) error {
	if err := m.store.SetControlMode(mode); err != nil {
		return err
	}
	if mode != types.ControlSemiAuto {
		m.pending = nil
	}
	return nil
}

// ProposePending records a proposal received from the server for display.
func (m *Machine) ProposePending(level types.DialogueLevel, eval types.Evaluation) {
	if !level.Valid() {
		return
	}
	m.pending = &level
	m.pendingEval = eval
}
