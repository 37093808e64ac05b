package handler

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/scheduler"
)

// OutputsDir is where Demo writes its per-task files inside a workspace.
const OutputsDir = "outputs"

// Demo simulates an agent: it waits a task-dependent time, writes
// outputs/<task-id>.txt into the workspace and fails a deterministic share
// of tasks.
type Demo struct {
	MinWork     time.Duration // Shortest simulated work
	MaxWork     time.Duration // Longest simulated work
	FailPercent int           // Share of task/agent pairs that fail, 0 to 100

	now func() time.Time
}

// NewDemo returns a Demo working between 100ms and 600ms that fails
// failPercent percent of the time.
func NewDemo(failPercent int) *Demo {
	return &Demo{
		MinWork:     100 * time.Millisecond,
		MaxWork:     600 * time.Millisecond,
		FailPercent: failPercent,
	}
}

// Handle implements orchestrator.Handler.
func (d *Demo) Handle(ctx context.Context, agent *orchestrator.Agent, task scheduler.Task) orchestrator.Outcome {
	work := d.workTime(task.ID)
	select {
	case <-ctx.Done():
		return orchestrator.Outcome{Success: false, Message: fmt.Sprintf("interrupted: %v", ctx.Err())}
	case <-time.After(work):
	}

	now := time.Now
	if d.now != nil {
		now = d.now
	}

	if dir := agent.Dir(); dir != "" {
		out := filepath.Join(dir, OutputsDir)
		if err := os.MkdirAll(out, 0o755); err != nil {
			return orchestrator.Outcome{Success: false, Message: fmt.Sprintf("failed to create outputs dir: %v", err)}
		}
		content := fmt.Sprintf("Task: %s\nCompleted by: %s\nRole: %s\nTimestamp: %s\n",
			task.Description, agent.ID, agent.Role, now().Format(time.RFC3339))
		if err := os.WriteFile(filepath.Join(out, task.ID+".txt"), []byte(content), 0o644); err != nil {
			return orchestrator.Outcome{Success: false, Message: fmt.Sprintf("failed to write output: %v", err)}
		}
	}

	if d.fails(task.ID, agent.ID) {
		return orchestrator.Outcome{Success: false, Message: "simulated failure"}
	}
	return orchestrator.Outcome{Success: true, Message: fmt.Sprintf("completed in %.2fs", work.Seconds())}
}

func (d *Demo) workTime(taskID string) time.Duration {
	lo, hi := d.MinWork, d.MaxWork
	if hi < lo {
		hi = lo
	}
	if hi == lo {
		return lo
	}
	span := uint64(hi - lo)
	return lo + time.Duration(hash(taskID)%(span+1))
}

func (d *Demo) fails(taskID, agentID string) bool {
	if d.FailPercent <= 0 {
		return false
	}
	return hash(taskID+agentID)%100 < uint64(d.FailPercent)
}

func hash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
