package events

import (
	"time"
)

// Event is the base interface for all run events.
type Event interface {
	EventType() string
	TaskID() string
	AgentID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAgent = "agent"
	TopicRun   = "run"
)

// Event type constants
const (
	EventTypeTaskClaimed     = "task.claimed"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskBlocked     = "task.blocked"
	EventTypeWorkspacePushed = "agent.pushed"
	EventTypeAgentStopped    = "agent.stopped"
	EventTypeRunProgress     = "run.progress"
)

// TaskClaimedEvent is published when an agent wins the claim on a task.
type TaskClaimedEvent struct {
	ID        string
	Agent     string
	Priority  int
	Timestamp time.Time
}

func (e TaskClaimedEvent) EventType() string { return EventTypeTaskClaimed }
func (e TaskClaimedEvent) TaskID() string    { return e.ID }
func (e TaskClaimedEvent) AgentID() string   { return e.Agent }

// TaskStartedEvent is published when the handler is about to run.
type TaskStartedEvent struct {
	ID          string
	Agent       string
	Description string
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }
func (e TaskStartedEvent) AgentID() string   { return e.Agent }

// TaskCompletedEvent is published when a task is released as completed.
type TaskCompletedEvent struct {
	ID        string
	Agent     string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }
func (e TaskCompletedEvent) AgentID() string   { return e.Agent }

// TaskFailedEvent is published when a task is released as failed.
type TaskFailedEvent struct {
	ID        string
	Agent     string
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) AgentID() string   { return e.Agent }

// TaskBlockedEvent is published when a pending task is blocked by a failed
// dependency.
type TaskBlockedEvent struct {
	ID        string
	Cause     string // ID of the failed dependency
	Reason    string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }
func (e TaskBlockedEvent) AgentID() string   { return "" }

// WorkspacePushedEvent is published after an agent publishes its workspace.
type WorkspacePushedEvent struct {
	ID        string // Task whose side effects were pushed
	Agent     string
	Commit    string
	NoChanges bool
	Retried   bool // True if the first push was rejected
	Timestamp time.Time
}

func (e WorkspacePushedEvent) EventType() string { return EventTypeWorkspacePushed }
func (e WorkspacePushedEvent) TaskID() string    { return e.ID }
func (e WorkspacePushedEvent) AgentID() string   { return e.Agent }

// AgentStoppedEvent is published when an agent loop returns.
type AgentStoppedEvent struct {
	Agent     string
	Completed int
	Failed    int
	Reason    string
	Timestamp time.Time
}

func (e AgentStoppedEvent) EventType() string { return EventTypeAgentStopped }
func (e AgentStoppedEvent) TaskID() string    { return "" }
func (e AgentStoppedEvent) AgentID() string   { return e.Agent }

// RunProgressEvent is published when pool counts change.
type RunProgressEvent struct {
	Total      int
	Pending    int
	Claimed    int
	InProgress int
	Completed  int
	Failed     int
	Blocked    int
	Timestamp  time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
func (e RunProgressEvent) AgentID() string   { return "" }

// Done reports whether no task is pending or owned.
func (e RunProgressEvent) Done() bool {
	return e.Pending == 0 && e.Claimed == 0 && e.InProgress == 0
}
