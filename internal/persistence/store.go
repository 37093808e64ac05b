package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aristath/agentteam/internal/scheduler"
)

var (
	// ErrNotFound is returned when a task or claim does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a task ID is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a task cannot be stored as given.
	ErrNotValid = errors.New("not valid")
	// ErrClosed is returned by a store used after Close.
	ErrClosed = errors.New("store closed")
)

// BlockOwner is the reserved claim owner used while a task is being blocked.
// Agent IDs must never use it.
const BlockOwner = "__blocker__"

// DefaultFailureMessage replaces an empty error on a failed release.
const DefaultFailureMessage = "task failed"

// NewTask is the input of ClaimStore.AddTask.
type NewTask struct {
	ID           string // Optional, generated when empty
	Description  string
	Dependencies []string
	Priority     int
	Role         string
}

// Claim is the lock record held by one agent for one task.
type Claim struct {
	AgentID   string    `json:"agent_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	TaskID    string    `json:"task_id"`
}

// ClaimStore is the durable task pool shared by every agent, in this process
// or others. TryClaim is the only mutual-exclusion primitive: at most one
// caller wins a given task ID.
type ClaimStore interface {
	// AddTask stores a pending task. Dependencies must already exist.
	AddTask(ctx context.Context, t NewTask) (*scheduler.Task, error)
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	// ListTasks returns every task in creation order.
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)

	// TryClaim attempts to take the lock for taskID. It returns false without
	// error when another owner holds it or the task is no longer pending.
	TryClaim(ctx context.Context, taskID, agentID string) (bool, error)
	// Start moves an owned task from claimed to in_progress.
	Start(ctx context.Context, taskID, agentID string) error
	// Release finalizes an owned task and drops the lock. A non-owner gets a
	// *scheduler.LockOwnershipViolationError and nothing changes.
	Release(ctx context.Context, taskID, agentID string, success bool, payload string) error
	// Block moves a pending, unlocked task to blocked.
	Block(ctx context.Context, taskID, reason string) (bool, error)

	// AvailableTasks returns the eligible tasks in claim order.
	AvailableTasks(ctx context.Context) ([]*scheduler.Task, error)
	Stats(ctx context.Context) (scheduler.Stats, error)
	// Claim returns the current lock for taskID, or ErrNotFound.
	Claim(ctx context.Context, taskID string) (*Claim, error)

	Close() error
}

// Notifier is implemented by stores that can signal changes to the task pool.
// Each receive on the channel means "something may have changed".
type Notifier interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// NewTaskID returns a fresh, sortable task ID.
func NewTaskID() string {
	return "task-" + strings.ToLower(ulid.Make().String())
}

// FailureMessage returns msg, or DefaultFailureMessage when msg is blank.
func FailureMessage(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return DefaultFailureMessage
	}
	return msg
}
