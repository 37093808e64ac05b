package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentteam/internal/events"
	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/persistence"
	"github.com/aristath/agentteam/internal/scheduler"
	"github.com/aristath/agentteam/internal/worktree"
)

// Config configures the orchestrator.
type Config struct {
	Store      persistence.ClaimStore // Required
	Workspaces *worktree.Manager      // Nil runs agents without a shared repository
	Agents     int                    // Number of agents (default 1)
	Roles      []string               // Role per agent index, cycled; metadata only

	// AgentPrefix makes agent IDs and workspace paths unique to this process.
	// Defaults to a short random hex string.
	AgentPrefix string

	PollInterval    time.Duration // First idle wait (default 100ms)
	MaxPollInterval time.Duration // Idle wait cap (default 2s)
	Concurrency     int           // Max agent loops running at once (default Agents)
	DrainTimeout    time.Duration // Wait for in-flight work after a stop (default 30s)

	PropagateFailures bool          // Block pending dependents of failed tasks
	BreakerThreshold  int           // Consecutive handler failures that pause claiming, 0 disables
	BreakerCooldown   time.Duration // Open breaker duration (default 30s)
	HandlerTimeout    time.Duration // Per-task handler deadline, 0 for none
	MaxIterations     int           // Loop iterations per agent, 0 for unlimited

	Events *events.EventBus // Optional
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Agents <= 0 {
		c.Agents = 1
	}
	if len(c.Roles) == 0 {
		c.Roles = defaultRoles(c.Agents)
	}
	if c.AgentPrefix == "" {
		c.AgentPrefix = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if strings.ContainsAny(c.AgentPrefix, `/\`) {
		return fmt.Errorf("invalid agent prefix %q", c.AgentPrefix)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = 2 * time.Second
		if c.MaxPollInterval < c.PollInterval {
			c.MaxPollInterval = c.PollInterval
		}
	}
	if c.Concurrency <= 0 || c.Concurrency > c.Agents {
		c.Concurrency = c.Agents
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})
	return nil
}

// TaskSpec describes a task to add. ID is optional; set it when other specs
// in the same batch depend on this one.
type TaskSpec struct {
	ID           string
	Description  string
	Priority     int
	Dependencies []string
	Role         string
}

// Orchestrator runs a team of agents over a shared ClaimStore.
type Orchestrator struct {
	config  Config
	store   persistence.ClaimStore
	agents  []*Agent
	breaker *gobreaker.CircuitBreaker
	wake    *wakeup
	logger  log.Logger
}

// New creates the orchestrator, initializing the shared repository and one
// workspace per agent when Workspaces is set.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &Orchestrator{
		config: cfg,
		store:  cfg.Store,
		wake:   newWakeup(),
		logger: cfg.Logger,
	}
	o.breaker = newBreaker(cfg, cfg.Logger)

	if cfg.Workspaces != nil {
		if err := cfg.Workspaces.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init shared repository: %w", err)
		}
	}

	for i := 0; i < cfg.Agents; i++ {
		agent := &Agent{
			ID:   agentID(cfg.AgentPrefix, i),
			Role: cfg.Roles[i%len(cfg.Roles)],
		}
		if cfg.Workspaces != nil {
			ws, err := cfg.Workspaces.Create(ctx, agent.ID)
			if err != nil {
				o.Close()
				return nil, fmt.Errorf("failed to create workspace for %s: %w", agent.ID, err)
			}
			agent.Workspace = ws
		}
		o.agents = append(o.agents, agent)
	}

	o.logger.Infof("Created %d agents", len(o.agents))
	return o, nil
}

func agentID(prefix string, i int) string {
	return fmt.Sprintf("agent-%s-%02d", prefix, i)
}

// Close removes the agent workspaces created by New. Work already pushed
// stays in the shared repository.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, a := range o.agents {
		if a.Workspace == nil {
			continue
		}
		if err := o.config.Workspaces.Remove(a.Workspace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Agents returns the agents in ID order.
func (o *Orchestrator) Agents() []*Agent {
	out := make([]*Agent, len(o.agents))
	copy(out, o.agents)
	return out
}

// Stats returns the store's current per-status counts.
func (o *Orchestrator) Stats(ctx context.Context) (scheduler.Stats, error) {
	return o.store.Stats(ctx)
}

// AddTask adds a single task and returns it.
func (o *Orchestrator) AddTask(ctx context.Context, description string, priority int, dependencies ...string) (*scheduler.Task, error) {
	tasks, err := o.AddTasks(ctx, []TaskSpec{{
		Description:  description,
		Priority:     priority,
		Dependencies: dependencies,
	}})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// AddTasks validates the batch together with the existing pool and inserts
// it so every dependency is stored before its dependents. Results follow the
// input order.
func (o *Orchestrator) AddTasks(ctx context.Context, specs []TaskSpec) ([]*scheduler.Task, error) {
	existing, err := o.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	deps := scheduler.DependencyMap(existing)
	known := make(map[string]bool, len(existing))
	for id := range deps {
		known[id] = true
	}

	batch := make([]TaskSpec, len(specs))
	index := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			spec.ID = persistence.NewTaskID()
		}
		if _, dup := index[spec.ID]; dup || known[spec.ID] {
			return nil, fmt.Errorf("task %s: %w", spec.ID, persistence.ErrAlreadyExists)
		}
		index[spec.ID] = i
		batch[i] = spec
		deps[spec.ID] = spec.Dependencies
	}

	order, err := scheduler.ValidateGraph(deps)
	if err != nil {
		return nil, fmt.Errorf("invalid task graph: %v: %w", err, persistence.ErrNotValid)
	}

	out := make([]*scheduler.Task, len(specs))
	for _, id := range order {
		i, ok := index[id]
		if !ok {
			continue
		}
		spec := batch[i]
		task, err := o.store.AddTask(ctx, persistence.NewTask{
			ID:           spec.ID,
			Description:  spec.Description,
			Dependencies: spec.Dependencies,
			Priority:     spec.Priority,
			Role:         spec.Role,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add task %s: %w", spec.ID, err)
		}
		out[i] = task
		o.logger.Debugf("Added task %s: %s", task.ID, truncate(task.Description, 50))
	}

	o.wake.fire()
	return out, nil
}

// propagateFailure blocks every pending task that transitively depends on
// failedID.
func (o *Orchestrator) propagateFailure(ctx context.Context, failedID string) {
	tasks, err := o.store.ListTasks(ctx)
	if err != nil {
		o.logger.Warningf("Could not list tasks to propagate failure of %s: %v", failedID, err)
		return
	}

	reason := fmt.Sprintf("dependency %s failed", failedID)
	blocked := 0
	for _, dep := range scheduler.PendingDependents(tasks, failedID) {
		ok, err := o.store.Block(ctx, dep.ID, reason)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				o.logger.Warningf("Could not block %s: %v", dep.ID, err)
			}
			continue
		}
		if !ok {
			continue
		}
		blocked++
		o.config.Events.Publish(events.TopicTask, events.TaskBlockedEvent{
			ID:        dep.ID,
			Cause:     failedID,
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}

	if blocked > 0 {
		o.logger.Infof("Blocked %d tasks after failure of %s", blocked, failedID)
		o.wake.fire()
	}
}

func (o *Orchestrator) publishProgress(ctx context.Context) {
	if o.config.Events == nil {
		return
	}
	stats, err := o.store.Stats(ctx)
	if err != nil {
		return
	}
	o.config.Events.Publish(events.TopicRun, events.RunProgressEvent{
		Total:      stats.Total,
		Pending:    stats.Count(scheduler.TaskPending),
		Claimed:    stats.Count(scheduler.TaskClaimed),
		InProgress: stats.Count(scheduler.TaskInProgress),
		Completed:  stats.Count(scheduler.TaskCompleted),
		Failed:     stats.Count(scheduler.TaskFailed),
		Blocked:    stats.Count(scheduler.TaskBlocked),
		Timestamp:  time.Now(),
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
