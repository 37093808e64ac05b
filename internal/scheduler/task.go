package scheduler

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting to be claimed
	TaskClaimed    TaskStatus = "claimed"     // Lock held by an agent
	TaskInProgress TaskStatus = "in_progress" // Handler running
	TaskCompleted  TaskStatus = "completed"   // Finished successfully
	TaskFailed     TaskStatus = "failed"      // Finished with error
	TaskBlocked    TaskStatus = "blocked"     // A dependency failed
)

// Statuses lists every status in state machine order.
var Statuses = []TaskStatus{TaskPending, TaskClaimed, TaskInProgress, TaskCompleted, TaskFailed, TaskBlocked}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskClaimed: {},
		TaskBlocked: {},
	},
	TaskClaimed: {
		TaskInProgress: {},
		TaskCompleted:  {},
		TaskFailed:     {},
	},
	TaskInProgress: {
		TaskCompleted: {},
		TaskFailed:    {},
	},
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task represents a unit of work in the shared pool.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	ClaimedBy    string     `json:"claimed_by"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Dependencies []string   `json:"dependencies"`
	Result       string     `json:"result"`
	Error        string     `json:"error"`
	Priority     int        `json:"priority"`
	Sequence     int64      `json:"sequence"`       // Creation order, assigned by the store
	Role         string     `json:"role,omitempty"` // Metadata only
	CreatedAt    time.Time  `json:"created_at"`
}

// Transition moves the task to status to, or returns an InvalidTransitionError.
func (t *Task) Transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		cp.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// Stats is a per-status count snapshot.
type Stats struct {
	Total    int                `json:"total"`
	ByStatus map[TaskStatus]int `json:"by_status"`
}

// Count returns the count for status s.
func (s Stats) Count(st TaskStatus) int {
	return s.ByStatus[st]
}

// InFlight returns the number of tasks currently owned by an agent.
func (s Stats) InFlight() int {
	return s.ByStatus[TaskClaimed] + s.ByStatus[TaskInProgress]
}

// Done reports whether nothing is pending and nothing is owned.
func (s Stats) Done() bool {
	return s.ByStatus[TaskPending] == 0 && s.InFlight() == 0
}

// CountStatuses builds a Stats snapshot from tasks.
func CountStatuses(tasks []*Task) Stats {
	stats := Stats{ByStatus: make(map[TaskStatus]int, len(Statuses))}
	for _, st := range Statuses {
		stats.ByStatus[st] = 0
	}
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
		stats.Total++
	}
	return stats
}
