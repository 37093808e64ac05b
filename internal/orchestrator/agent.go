package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aristath/agentteam/internal/scheduler"
	"github.com/aristath/agentteam/internal/worktree"
)

// Role names used when Config.Roles is empty. Roles are metadata only.
const (
	RoleWorker   = "worker"
	RoleReviewer = "reviewer"
)

// Outcome is what a handler reports for one task.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"` // Result on success, error text on failure
}

// Handler executes a claimed task against the agent's workspace. It must be
// safe for concurrent use by several agents.
type Handler interface {
	Handle(ctx context.Context, agent *Agent, task scheduler.Task) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
	return f(ctx, agent, task)
}

// Agent is one worker identity with its private workspace.
type Agent struct {
	ID        string
	Role      string
	Workspace *worktree.Workspace // Nil when running without a shared repository

	mu        sync.Mutex
	current   string
	completed atomic.Int64
	failed    atomic.Int64
}

// CurrentTask returns the task the agent is executing, or "".
func (a *Agent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Agent) setCurrent(taskID string) {
	a.mu.Lock()
	a.current = taskID
	a.mu.Unlock()
}

// finish counts a released task and clears the current one in a single step,
// so a snapshot never sees the task both running and finished.
func (a *Agent) finish(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = ""
	if success {
		a.completed.Add(1)
	} else {
		a.failed.Add(1)
	}
}

// snapshot returns the current task and counters as of one instant.
func (a *Agent) snapshot() (current string, completed, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, int(a.completed.Load()), int(a.failed.Load())
}

// Completed returns how many tasks the agent released as completed.
func (a *Agent) Completed() int { return int(a.completed.Load()) }

// Failed returns how many tasks the agent released as failed.
func (a *Agent) Failed() int { return int(a.failed.Load()) }

// Dir returns the workspace path, or "" without a workspace.
func (a *Agent) Dir() string {
	if a.Workspace == nil {
		return ""
	}
	return a.Workspace.Path
}

// defaultRoles gives every agent the worker role except the last, which
// reviews, when there is more than one agent.
func defaultRoles(n int) []string {
	roles := make([]string, n)
	for i := range roles {
		roles[i] = RoleWorker
	}
	if n > 1 {
		roles[n-1] = RoleReviewer
	}
	return roles
}
