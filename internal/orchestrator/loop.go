package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/agentteam/internal/events"
	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/scheduler"
	"github.com/aristath/agentteam/internal/worktree"
)

// AgentLoop claims and executes tasks for agent until nothing is pending or
// in flight, ctx ends, or MaxIterations is reached. Cancelling ctx stops new
// claims only; a task already claimed runs to completion. The loop returns an
// error only for store failures and ownership violations.
func (o *Orchestrator) AgentLoop(ctx context.Context, agent *Agent, handler Handler) (err error) {
	ctx = o.logger.SetValuesOnCtx(ctx, log.Kv{"agent_id": agent.ID})
	logger := o.logger.WithCtxValues(ctx)
	idle := newIdleBackOff(o.config)
	reason := "done"

	defer func() {
		if err != nil {
			reason = err.Error()
		}
		o.config.Events.Publish(events.TopicAgent, events.AgentStoppedEvent{
			Agent:     agent.ID,
			Completed: agent.Completed(),
			Failed:    agent.Failed(),
			Reason:    reason,
			Timestamp: time.Now(),
		})
		logger.Debugf("Agent loop stopped: %s", reason)
	}()

	for iter := 0; o.config.MaxIterations <= 0 || iter < o.config.MaxIterations; iter++ {
		if ctx.Err() != nil {
			reason = "stopped"
			return nil
		}

		if breakerOpen(o.breaker) {
			// Nothing left to claim ends the loop even while the breaker is open.
			done, err := o.poolDone(ctx)
			if err != nil {
				if ctx.Err() != nil {
					reason = "stopped"
					return nil
				}
				logger.Errorf("Could not read stats: %v", err)
				return err
			}
			if done {
				logger.Debugf("No pending or in-flight tasks left")
				return nil
			}
			logger.Debugf("Handler breaker open, not claiming")
			if !o.wake.sleep(ctx, idle.NextBackOff()) {
				reason = "stopped"
				return nil
			}
			continue
		}

		task, contended, err := o.claimNext(ctx, agent)
		if err != nil {
			logger.Errorf("Claim failed: %v", err)
			return err
		}

		if task != nil {
			if err := o.executeTask(ctx, agent, task, handler); err != nil {
				logger.Errorf("Task %s aborted: %v", task.ID, err)
				return err
			}
			idle.Reset()
			continue
		}

		wait := o.config.PollInterval
		if !contended {
			done, err := o.poolDone(ctx)
			if err != nil {
				if ctx.Err() != nil {
					reason = "stopped"
					return nil
				}
				logger.Errorf("Could not read stats: %v", err)
				return err
			}
			if done {
				logger.Debugf("No pending or in-flight tasks left")
				return nil
			}
			wait = idle.NextBackOff()
		}

		if !o.wake.sleep(ctx, wait) {
			reason = "stopped"
			return nil
		}
	}

	reason = "max iterations"
	return nil
}

// poolDone reports whether the pool has neither pending nor in-flight tasks.
func (o *Orchestrator) poolDone(ctx context.Context) (bool, error) {
	stats, err := o.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.Done(), nil
}

// claimNext tries the eligible tasks in order and returns the first one won.
// contended is true when tasks were eligible but every claim was lost.
func (o *Orchestrator) claimNext(ctx context.Context, agent *Agent) (task *scheduler.Task, contended bool, err error) {
	available, err := o.store.AvailableTasks(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to list available tasks: %w", err)
	}

	for _, t := range available {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		ok, err := o.store.TryClaim(ctx, t.ID, agent.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("failed to claim %s: %w", t.ID, err)
		}
		if ok {
			return t, false, nil
		}
	}
	return nil, len(available) > 0, nil
}

// executeTask runs one claimed task to a terminal state. It never observes
// cancellation of ctx: once claimed, the task is finished and released.
func (o *Orchestrator) executeTask(ctx context.Context, agent *Agent, task *scheduler.Task, handler Handler) error {
	ctx = context.WithoutCancel(o.logger.SetValuesOnCtx(ctx, log.Kv{"task_id": task.ID}))
	logger := o.logger.WithCtxValues(ctx)
	start := time.Now()

	agent.setCurrent(task.ID)
	defer agent.setCurrent("")

	o.config.Events.Publish(events.TopicTask, events.TaskClaimedEvent{
		ID:        task.ID,
		Agent:     agent.ID,
		Priority:  task.Priority,
		Timestamp: start,
	})

	if err := o.store.Start(ctx, task.ID, agent.ID); err != nil {
		return fmt.Errorf("failed to start %s: %w", task.ID, err)
	}
	logger.Infof("Starting task: %s", truncate(task.Description, 40))
	o.config.Events.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:          task.ID,
		Agent:       agent.ID,
		Description: task.Description,
		Timestamp:   time.Now(),
	})

	if ws := agent.Workspace; ws != nil {
		if res := o.config.Workspaces.Sync(ctx, ws); !res.Synced {
			logger.Warningf("Sync before task failed: %v", res.Err)
		}
	}

	snapshot := *task.Clone()
	snapshot.Status = scheduler.TaskInProgress
	snapshot.ClaimedBy = agent.ID
	outcome := o.callHandler(ctx, agent, snapshot, handler)

	success, payload := outcome.Success, outcome.Message
	if ws := agent.Workspace; ws != nil {
		if success {
			if err := o.publishWorkspace(ctx, agent, task); err != nil {
				success, payload = false, err.Error()
			}
		}
		if !success {
			if err := o.config.Workspaces.Reset(ctx, ws); err != nil {
				logger.Warningf("Could not reset workspace: %v", err)
			}
		}
	}

	if err := o.store.Release(ctx, task.ID, agent.ID, success, payload); err != nil {
		return fmt.Errorf("failed to release %s: %w", task.ID, err)
	}
	o.wake.fire()

	elapsed := time.Since(start)
	if success {
		agent.finish(true)
		logger.Infof("Completed task in %s", elapsed.Round(time.Millisecond))
		o.config.Events.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			Agent:     agent.ID,
			Result:    payload,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
	} else {
		agent.finish(false)
		logger.Warningf("Failed task: %s", payload)
		o.config.Events.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Agent:     agent.ID,
			Err:       payload,
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
		if o.config.PropagateFailures {
			o.propagateFailure(ctx, task.ID)
		}
	}

	o.publishProgress(ctx)
	return nil
}

// publishWorkspace pushes the agent's changes, retrying once after a sync
// when upstream moved ahead.
func (o *Orchestrator) publishWorkspace(ctx context.Context, agent *Agent, task *scheduler.Task) error {
	ws := agent.Workspace
	msg := fmt.Sprintf("[%s] Complete task %s: %s", agent.ID, task.ID, truncate(task.Description, 50))

	res := o.config.Workspaces.Push(ctx, ws, msg)
	retried := false
	if !res.Pushed && res.Rejected {
		retried = true
		if sync := o.config.Workspaces.Sync(ctx, ws); !sync.Synced {
			return pushError(sync.Err)
		}
		res = o.config.Workspaces.Push(ctx, ws, msg)
	}
	if !res.Pushed {
		return pushError(res.Err)
	}

	o.config.Events.Publish(events.TopicAgent, events.WorkspacePushedEvent{
		ID:        task.ID,
		Agent:     agent.ID,
		Commit:    res.Commit,
		NoChanges: res.NoChanges,
		Retried:   retried,
		Timestamp: time.Now(),
	})
	return nil
}

func pushError(err error) error {
	switch {
	case errors.Is(err, worktree.ErrSyncConflict):
		return fmt.Errorf("push failed: sync conflict: %w", err)
	case errors.Is(err, worktree.ErrPushRejected):
		return fmt.Errorf("push failed after retry: %w", err)
	case err == nil:
		return errors.New("push failed")
	default:
		return fmt.Errorf("push failed: %w", err)
	}
}
