package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/agentteam/internal/events"
	"github.com/aristath/agentteam/internal/persistence"
	"github.com/aristath/agentteam/internal/persistence/filestore"
	"github.com/aristath/agentteam/internal/scheduler"
	"github.com/aristath/agentteam/internal/worktree"
)

// testEnv holds the store and optional shared repository of one test.
type testEnv struct {
	store      *filestore.Store
	workspaces *worktree.Manager
}

func newEnv(t *testing.T, withRepo bool) *testEnv {
	t.Helper()

	root := t.TempDir()
	store, err := filestore.New(filestore.Config{Dir: filepath.Join(root, "pool")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{store: store}
	if withRepo {
		if _, err := exec.LookPath("git"); err != nil {
			t.Skip("git not installed")
		}
		env.workspaces, err = worktree.NewManager(worktree.ManagerConfig{
			UpstreamDir:   filepath.Join(root, "upstream.git"),
			WorkspacesDir: filepath.Join(root, "workspaces"),
		})
		if err != nil {
			t.Fatalf("failed to create workspace manager: %v", err)
		}
	}
	return env
}

func (e *testEnv) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()

	cfg.Store = e.store
	if e.workspaces != nil {
		cfg.Workspaces = e.workspaces
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 50 * time.Millisecond
	}
	o, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

// writeOutput is a handler that leaves one file per task in the workspace.
func writeOutput(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
	if agent.Dir() == "" {
		return Outcome{Success: true, Message: "no workspace"}
	}
	path := filepath.Join(agent.Dir(), "outputs", task.ID+".txt")
	content := fmt.Sprintf("%s\n%s\n", agent.ID, task.Description)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Outcome{Success: false, Message: err.Error()}
	}
	return Outcome{Success: true, Message: "wrote " + path}
}

// callCounter counts handler invocations per task.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) wrap(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		out := h(ctx, agent, task)
		c.mu.Lock()
		c.calls[task.ID]++
		c.order = append(c.order, task.ID)
		c.mu.Unlock()
		return out
	}
}

func (c *callCounter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func taskStatus(t *testing.T, store persistence.ClaimStore, id string) scheduler.TaskStatus {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s) failed: %v", id, err)
	}
	return task.Status
}

func TestNewCreatesAgents(t *testing.T) {
	env := newEnv(t, true)
	o := env.orchestrator(t, Config{Agents: 3, AgentPrefix: "run1"})

	agents := o.Agents()
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	wantRoles := []string{RoleWorker, RoleWorker, RoleReviewer}
	for i, a := range agents {
		if a.ID != fmt.Sprintf("agent-run1-%02d", i) {
			t.Errorf("agent %d has ID %s", i, a.ID)
		}
		if a.Role != wantRoles[i] {
			t.Errorf("agent %s has role %s, want %s", a.ID, a.Role, wantRoles[i])
		}
		if a.Workspace == nil {
			t.Fatalf("agent %s has no workspace", a.ID)
		}
		if _, err := os.Stat(filepath.Join(a.Dir(), ".git")); err != nil {
			t.Errorf("workspace of %s is not a clone: %v", a.ID, err)
		}
	}
}

func TestNewAgentIDsUniquePerOrchestrator(t *testing.T) {
	env := newEnv(t, true)
	first := env.orchestrator(t, Config{Agents: 2})
	live := filepath.Join(first.Agents()[0].Dir(), "outputs", "live.txt")
	if err := os.WriteFile(live, []byte("in use"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A second orchestrator on the same directories must not reuse IDs or
	// touch the first one's clones.
	second := env.orchestrator(t, Config{Agents: 2})
	seen := make(map[string]bool)
	for _, a := range append(first.Agents(), second.Agents()...) {
		if seen[a.ID] {
			t.Errorf("duplicate agent ID %s", a.ID)
		}
		seen[a.ID] = true
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("first orchestrator's workspace was replaced: %v", err)
	}

	if err := second.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, a := range second.Agents() {
		if _, err := os.Stat(a.Dir()); !os.IsNotExist(err) {
			t.Errorf("workspace of %s left behind after Close", a.ID)
		}
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("Close removed another orchestrator's workspace: %v", err)
	}
}

func TestNewRefusesForeignWorkspace(t *testing.T) {
	env := newEnv(t, true)
	env.orchestrator(t, Config{Agents: 1, AgentPrefix: "fixed"})

	other, err := worktree.NewManager(worktree.ManagerConfig{
		UpstreamDir:   env.workspaces.UpstreamDir(),
		WorkspacesDir: filepath.Join(filepath.Dir(env.workspaces.UpstreamDir()), "workspaces"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(context.Background(), Config{
		Store:       env.store,
		Workspaces:  other,
		Agents:      1,
		AgentPrefix: "fixed",
	})
	if !errors.Is(err, worktree.ErrWorkspaceExists) {
		t.Fatalf("expected ErrWorkspaceExists, got %v", err)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestAddTasks(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{})
	ctx := context.Background()

	// Dependents listed before their dependencies still insert.
	tasks, err := o.AddTasks(ctx, []TaskSpec{
		{ID: "codegen", Description: "codegen", Dependencies: []string{"parser"}},
		{ID: "parser", Description: "parser", Dependencies: []string{"lexer"}},
		{ID: "lexer", Description: "lexer", Priority: 10},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}
	for i, want := range []string{"codegen", "parser", "lexer"} {
		if tasks[i].ID != want {
			t.Errorf("result %d is %s, want %s", i, tasks[i].ID, want)
		}
	}
	if tasks[2].Sequence >= tasks[1].Sequence || tasks[1].Sequence >= tasks[0].Sequence {
		t.Errorf("dependencies must be stored first, sequences %d %d %d",
			tasks[2].Sequence, tasks[1].Sequence, tasks[0].Sequence)
	}

	single, err := o.AddTask(ctx, "optimizer", 3, "codegen")
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if !strings.HasPrefix(single.ID, "task-") {
		t.Errorf("generated ID %q lacks prefix", single.ID)
	}

	tests := []struct {
		name  string
		specs []TaskSpec
		want  error
	}{
		{"existing id", []TaskSpec{{ID: "lexer"}}, persistence.ErrAlreadyExists},
		{"duplicate in batch", []TaskSpec{{ID: "x"}, {ID: "x"}}, persistence.ErrAlreadyExists},
		{"unknown dependency", []TaskSpec{{ID: "y", Dependencies: []string{"ghost"}}}, persistence.ErrNotValid},
		{"cycle", []TaskSpec{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"a"}},
		}, persistence.ErrNotValid},
		{"self", []TaskSpec{{ID: "s", Dependencies: []string{"s"}}}, persistence.ErrNotValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.AddTasks(ctx, tt.specs)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	stats, err := o.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("rejected batches must add nothing, total %d", stats.Total)
	}
}

// TestDependencyOrdering checks a dependent only runs after every dependency
// is completed.
func TestDependencyOrdering(t *testing.T) {
	env := newEnv(t, true)
	o := env.orchestrator(t, Config{Agents: 2})
	ctx := context.Background()

	if _, err := o.AddTasks(ctx, []TaskSpec{
		{ID: "a", Description: "write lexer", Priority: 1},
		{ID: "b", Description: "write parser", Priority: 1},
		{ID: "c", Description: "link", Priority: 100, Dependencies: []string{"a", "b"}},
	}); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	var violation error
	var mu sync.Mutex
	handler := HandlerFunc(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		if task.ID == "c" {
			for _, dep := range []string{"a", "b"} {
				got, err := env.store.GetTask(ctx, dep)
				if err != nil || got.Status != scheduler.TaskCompleted {
					mu.Lock()
					violation = fmt.Errorf("c ran before %s completed (err %v)", dep, err)
					mu.Unlock()
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
		return writeOutput(ctx, agent, task)
	})

	report, err := o.Run(ctx, handler, 30*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if violation != nil {
		t.Fatal(violation)
	}
	if report.Completed != 3 || report.Failed != 0 {
		t.Errorf("expected 3 completed, got %d completed %d failed", report.Completed, report.Failed)
	}
	if report.TimedOut {
		t.Error("run should not time out")
	}
}

// TestParallelSpeedup runs independent tasks over several agents.
func TestParallelSpeedup(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{Agents: 4})
	ctx := context.Background()

	const n = 16
	const work = 50 * time.Millisecond
	specs := make([]TaskSpec, n)
	for i := range specs {
		specs[i] = TaskSpec{Description: fmt.Sprintf("unit %d", i), Priority: n - i}
	}
	tasks, err := o.AddTasks(ctx, specs)
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	calls := newCallCounter()
	handler := calls.wrap(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		time.Sleep(work)
		return Outcome{Success: true, Message: "done"}
	})

	report, err := o.Run(ctx, handler, 30*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Completed != n || report.Failed != 0 {
		t.Fatalf("expected %d completed, got %d completed %d failed", n, report.Completed, report.Failed)
	}
	if report.Duration >= n*work*3/4 {
		t.Errorf("run took %s, serial would take %s", report.Duration, n*work)
	}
	for _, task := range tasks {
		if c := calls.count(task.ID); c != 1 {
			t.Errorf("task %s ran %d times", task.ID, c)
		}
	}
	if report.CountsByStatus[string(scheduler.TaskCompleted)] != n {
		t.Errorf("counts: %v", report.CountsByStatus)
	}
	if report.Throughput <= 0 {
		t.Error("expected positive throughput")
	}
	if report.RunID == "" {
		t.Error("expected run ID")
	}
}

// TestFailureIsolation checks a failing task neither stops independent work
// nor runs its dependents.
func TestFailureIsolation(t *testing.T) {
	env := newEnv(t, true)
	o := env.orchestrator(t, Config{Agents: 3, PropagateFailures: true})
	ctx := context.Background()

	if _, err := o.AddTasks(ctx, []TaskSpec{
		{ID: "x", Description: "broken", Priority: 10},
		{ID: "y", Description: "needs x", Dependencies: []string{"x"}},
		{ID: "z", Description: "needs y", Dependencies: []string{"y"}},
		{ID: "w1", Description: "independent 1"},
		{ID: "w2", Description: "independent 2"},
	}); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	bus := events.NewEventBus()
	defer bus.Close()
	o.config.Events = bus
	blocked := bus.Subscribe(events.TopicTask, 64)

	calls := newCallCounter()
	handler := calls.wrap(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		if task.ID == "x" {
			return Outcome{Success: false, Message: "compile error"}
		}
		return writeOutput(ctx, agent, task)
	})

	report, err := o.Run(ctx, handler, 30*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	x, err := env.store.GetTask(ctx, "x")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if x.Status != scheduler.TaskFailed || x.Error != "compile error" {
		t.Errorf("x: status %s error %q", x.Status, x.Error)
	}
	for _, id := range []string{"y", "z"} {
		if st := taskStatus(t, env.store, id); st != scheduler.TaskBlocked {
			t.Errorf("%s: expected blocked, got %s", id, st)
		}
		if calls.count(id) != 0 {
			t.Errorf("%s must not run", id)
		}
	}
	for _, id := range []string{"w1", "w2"} {
		if st := taskStatus(t, env.store, id); st != scheduler.TaskCompleted {
			t.Errorf("%s: expected completed, got %s", id, st)
		}
	}

	if report.Running != 0 || report.Attempted != report.Completed+report.Failed {
		t.Errorf("attempted %d != completed %d + failed %d (running %d)",
			report.Attempted, report.Completed, report.Failed, report.Running)
	}
	if report.Completed != 2 || report.Failed != 1 {
		t.Errorf("expected 2 completed 1 failed, got %d %d", report.Completed, report.Failed)
	}

	seen := 0
	for len(blocked) > 0 {
		if b, ok := (<-blocked).(events.TaskBlockedEvent); ok && b.Cause == "x" {
			seen++
		}
	}
	if seen != 2 {
		t.Errorf("expected 2 blocked events, got %d", seen)
	}
}

// TestFailureWithoutPropagation leaves dependents pending until the timeout.
func TestFailureWithoutPropagation(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{Agents: 2})
	ctx := context.Background()

	if _, err := o.AddTasks(ctx, []TaskSpec{
		{ID: "x", Description: "broken"},
		{ID: "y", Description: "needs x", Dependencies: []string{"x"}},
	}); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	handler := HandlerFunc(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		return Outcome{Success: false}
	})

	report, err := o.Run(ctx, handler, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.TimedOut || !errors.Is(report.Err(), ErrRunTimeout) {
		t.Error("expected timed out report")
	}
	if st := taskStatus(t, env.store, "y"); st != scheduler.TaskPending {
		t.Errorf("y: expected pending, got %s", st)
	}
	x, _ := env.store.GetTask(ctx, "x")
	if x.Error != persistence.DefaultFailureMessage {
		t.Errorf("expected default failure message, got %q", x.Error)
	}
}

// TestPushContention makes two agents push diverged workspaces at once. The
// loser re-syncs and retries; upstream keeps both outputs.
func TestPushContention(t *testing.T) {
	env := newEnv(t, true)
	o := env.orchestrator(t, Config{Agents: 2})
	ctx := context.Background()

	tasks, err := o.AddTasks(ctx, []TaskSpec{
		{Description: "emit lexer.go"},
		{Description: "emit parser.go"},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	bus := events.NewEventBus()
	defer bus.Close()
	o.config.Events = bus
	pushes := bus.Subscribe(events.TopicAgent, 16)

	var barrier sync.WaitGroup
	barrier.Add(2)
	handler := HandlerFunc(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		out := writeOutput(ctx, agent, task)
		barrier.Done()
		waitTimeout(&barrier, 10*time.Second)
		return out
	})

	report, err := o.Run(ctx, handler, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Completed != 2 {
		t.Fatalf("expected 2 completed, got %+v", report)
	}

	retried := false
	for len(pushes) > 0 {
		if e, ok := (<-pushes).(events.WorkspacePushedEvent); ok && e.Retried {
			retried = true
		}
	}
	if !retried {
		t.Error("expected one push to be retried")
	}

	subjects, err := env.workspaces.Log(ctx, 10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	for _, task := range tasks {
		found := false
		for _, s := range subjects {
			if strings.Contains(s, "Complete task "+task.ID) {
				found = true
			}
		}
		if !found {
			t.Errorf("upstream has no commit for %s: %v", task.ID, subjects)
		}
	}

	ws := o.Agents()[0].Workspace
	if res := env.workspaces.Sync(ctx, ws); !res.Synced {
		t.Fatalf("Sync failed: %v", res.Err)
	}
	for _, task := range tasks {
		if _, err := os.Stat(filepath.Join(ws.Path, "outputs", task.ID+".txt")); err != nil {
			t.Errorf("output of %s lost: %v", task.ID, err)
		}
	}
}

// TestConflictingOutputsFail checks an unresolvable push fails the task and
// resets the workspace.
func TestConflictingOutputsFail(t *testing.T) {
	env := newEnv(t, true)
	o := env.orchestrator(t, Config{Agents: 2})
	ctx := context.Background()

	if _, err := o.AddTasks(ctx, []TaskSpec{
		{Description: "first version"},
		{Description: "second version"},
	}); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	var barrier sync.WaitGroup
	barrier.Add(2)
	handler := HandlerFunc(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		path := filepath.Join(agent.Dir(), "README.md")
		err := os.WriteFile(path, []byte(task.Description+"\n"), 0o644)
		barrier.Done()
		waitTimeout(&barrier, 10*time.Second)
		if err != nil {
			return Outcome{Success: false, Message: err.Error()}
		}
		return Outcome{Success: true, Message: "edited"}
	})

	report, err := o.Run(ctx, handler, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Completed != 1 || report.Failed != 1 {
		t.Fatalf("expected one winner and one conflict, got %d completed %d failed", report.Completed, report.Failed)
	}

	tasks, _ := env.store.ListTasks(ctx)
	for _, task := range tasks {
		if task.Status == scheduler.TaskFailed && !strings.Contains(task.Error, "push failed") {
			t.Errorf("unexpected failure message %q", task.Error)
		}
	}

	for _, a := range o.Agents() {
		out, err := exec.Command("git", "-C", a.Dir(), "status", "--porcelain").CombinedOutput()
		if err != nil {
			t.Fatalf("git status failed: %v", err)
		}
		if strings.TrimSpace(string(out)) != "" {
			t.Errorf("workspace of %s not clean: %s", a.ID, out)
		}
	}
}

func TestRunTimeoutDrainsInFlight(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{Agents: 1})
	ctx := context.Background()

	slow, err := o.AddTask(ctx, "slow", 10)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	rest, err := o.AddTask(ctx, "never claimed", 1)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	handler := HandlerFunc(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		time.Sleep(300 * time.Millisecond)
		if ctx.Err() != nil {
			return Outcome{Success: false, Message: "cancelled"}
		}
		return Outcome{Success: true, Message: "finished"}
	})

	report, err := o.Run(ctx, handler, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.TimedOut || !report.Drained {
		t.Errorf("expected timed out and drained, got %+v", report)
	}
	if st := taskStatus(t, env.store, slow.ID); st != scheduler.TaskCompleted {
		t.Errorf("in-flight task should finish, got %s", st)
	}
	if st := taskStatus(t, env.store, rest.ID); st != scheduler.TaskPending {
		t.Errorf("no claims after the stop, got %s", st)
	}
}

func TestRunReportCountsUndrainedTask(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{Agents: 1, DrainTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	stuck, err := o.AddTask(ctx, "outlives the drain", 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		<-release
		return Outcome{Success: true}
	})

	report, err := o.Run(ctx, handler, 100*time.Millisecond)
	close(release)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Drained {
		t.Error("expected drain timeout")
	}
	if report.Running != 1 || report.InFlight != 1 || report.Attempted != 1 {
		t.Errorf("undrained task must count as running and attempted, got %+v", report)
	}
	if report.Agents[0].CurrentTask != stuck.ID {
		t.Errorf("agent should still hold %s, got %q", stuck.ID, report.Agents[0].CurrentTask)
	}

	// Let the loop release the task before the store closes.
	deadline := time.Now().Add(5 * time.Second)
	for taskStatus(t, env.store, stuck.ID) != scheduler.TaskCompleted {
		if time.Now().After(deadline) {
			t.Fatal("task never released after the handler returned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunParentCancel(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{Agents: 2})

	if _, err := o.AddTask(context.Background(), "waits", 1); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	handler := HandlerFunc(func(hctx context.Context, agent *Agent, task scheduler.Task) Outcome {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return Outcome{Success: true}
	})
	go func() {
		<-started
		cancel()
	}()

	report, err := o.Run(ctx, handler, 0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.TimedOut {
		t.Error("cancellation is not a timeout")
	}
	if report.Completed != 1 {
		t.Errorf("claimed task should finish, got %d completed", report.Completed)
	}
}

func TestRunEmptyPool(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{Agents: 3})

	report, err := o.Run(context.Background(), HandlerFunc(writeOutput), 5*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Attempted != 0 || report.TimedOut {
		t.Errorf("unexpected report %+v", report)
	}
	if len(report.Agents) != 3 {
		t.Errorf("expected 3 agent reports, got %d", len(report.Agents))
	}
}

func TestRunRequiresHandler(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{})
	if _, err := o.Run(context.Background(), nil, time.Second); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

// TestAgentLoopMaxIterations stops after the configured number of passes.
func TestAgentLoopMaxIterations(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{MaxIterations: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := o.AddTask(ctx, fmt.Sprintf("t%d", i), 0); err != nil {
			t.Fatalf("AddTask failed: %v", err)
		}
	}

	agent := o.Agents()[0]
	if err := o.AgentLoop(ctx, agent, HandlerFunc(writeOutput)); err != nil {
		t.Fatalf("AgentLoop failed: %v", err)
	}
	if agent.Completed() != 2 {
		t.Errorf("expected 2 completed, got %d", agent.Completed())
	}
}

// TestAgentLoopOwnershipViolation aborts the loop when another owner steals
// the lock mid-task.
func TestAgentLoopOwnershipViolation(t *testing.T) {
	env := newEnv(t, false)
	o := env.orchestrator(t, Config{})
	ctx := context.Background()

	task, err := o.AddTask(ctx, "stolen", 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	handler := HandlerFunc(func(ctx context.Context, agent *Agent, _ scheduler.Task) Outcome {
		lock := filepath.Join(env.store.Dir(), "current_tasks", task.ID+".lock")
		data := fmt.Sprintf(`{"agent_id":"intruder","claimed_at":%q,"task_id":%q}`,
			time.Now().Format(time.RFC3339Nano), task.ID)
		if err := os.WriteFile(lock, []byte(data), 0o644); err != nil {
			return Outcome{Success: false, Message: err.Error()}
		}
		return Outcome{Success: true}
	})

	err = o.AgentLoop(ctx, o.Agents()[0], handler)
	if !errors.Is(err, scheduler.ErrLockOwnership) {
		t.Fatalf("expected ownership violation, got %v", err)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
