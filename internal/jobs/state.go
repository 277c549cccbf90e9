package jobs

import (
	"errors"
	"fmt"
)

// State is the lifecycle status of a job. The set is closed and mirrors
// the job_state enum type in the database.
type State string

const (
	StateUnapproved State = "unapproved"
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateWithdrawn  State = "withdrawn"
)

// Valid reports whether s is one of the recognized job states.
func (s State) Valid() bool {
	switch s {
	case StateUnapproved, StateQueued, StateRunning, StateDone, StateFailed, StateWithdrawn:
		return true
	}
	return false
}

// Terminal reports whether s is an end state that a job will not leave
// on its own (it may still be re-queued by an explicit action).
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateWithdrawn
}

func (s State) String() string {
	return string(s)
}

var ErrInvalidAction = errors.New("action not valid for current job state")

// Action is an operator-initiated state transition. Each action is only
// valid from a single source state; anything else is ErrInvalidAction.
type Action struct {
	Name      string
	PastLabel string
	OldState  State
	NewState  State
}

var (
	ActionApprove = Action{"approve", "approved", StateUnapproved, StateQueued}
	ActionReject  = Action{"reject", "rejected", StateUnapproved, StateWithdrawn}
	ActionCancel  = Action{"cancel", "cancelled", StateQueued, StateFailed}
	ActionAbort   = Action{"abort", "aborted", StateRunning, StateFailed}
	ActionRepeat  = Action{"repeat", "repeated", StateDone, StateQueued}
	ActionRetry   = Action{"retry", "retried", StateFailed, StateQueued}
)

// Actions maps action names (as used by the HTTP API) to transitions.
var Actions = map[string]Action{
	ActionApprove.Name: ActionApprove,
	ActionReject.Name:  ActionReject,
	ActionCancel.Name:  ActionCancel,
	ActionAbort.Name:   ActionAbort,
	ActionRepeat.Name:  ActionRepeat,
	ActionRetry.Name:   ActionRetry,
}

// Apply validates the action against the job's current state and mutates
// the job's state and message. Transitions into failed or withdrawn get a
// default message if none is supplied.
//
// Note that repeat and retry move a job back into queued: committing that
// update fires the jobs_insert notification again, exactly like a fresh
// insert. Listeners must tolerate seeing the same job id more than once.
func (a Action) Apply(j *Job, message string) error {
	if j.State != a.OldState {
		return fmt.Errorf("%w: cannot %s a %s job (requires %s)",
			ErrInvalidAction, a.Name, j.State, a.OldState)
	}
	if message == "" && (a.NewState == StateFailed || a.NewState == StateWithdrawn) {
		message = fmt.Sprintf("Job %s by sysadmins", a.PastLabel)
	}
	j.State = a.NewState
	if message != "" {
		j.SetMessage(message)
	}
	return nil
}
