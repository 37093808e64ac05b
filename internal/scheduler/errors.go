package scheduler

import (
	"errors"
	"fmt"
)

// ErrLockOwnership is matched by every LockOwnershipViolationError.
var ErrLockOwnership = errors.New("lock ownership violation")

// ErrInvalidTransition is matched by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// LockOwnershipViolationError is returned when an agent operates on a claim it
// does not hold. It signals a protocol bug in the caller.
type LockOwnershipViolationError struct {
	TaskID string
	Agent  string
	Owner  string // Empty when no lock exists
}

func (e *LockOwnershipViolationError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("agent %q does not own lock for %s: no lock held", e.Agent, e.TaskID)
	}
	return fmt.Sprintf("agent %q does not own lock for %s: held by %q", e.Agent, e.TaskID, e.Owner)
}

func (e *LockOwnershipViolationError) Unwrap() error { return ErrLockOwnership }

// InvalidTransitionError describes an illegal state machine move.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
