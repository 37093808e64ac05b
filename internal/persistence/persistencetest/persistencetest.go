// Package persistencetest holds behaviour tests shared by every ClaimStore.
package persistencetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentteam/internal/persistence"
	"github.com/aristath/agentteam/internal/scheduler"
)

// Factory returns a fresh, empty store. The store is closed by the caller.
type Factory func(t *testing.T) persistence.ClaimStore

// Run executes the shared ClaimStore tests against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(t *testing.T, s persistence.ClaimStore){
		"add and get round trip":             testRoundTrip,
		"unknown dependency is rejected":     testUnknownDependency,
		"duplicate id is rejected":           testDuplicateID,
		"list is in creation order":          testListOrder,
		"available ordered by priority":      testAvailableOrder,
		"dependencies gate availability":     testDependencyGating,
		"single winner under contention":     testSingleWinner,
		"claim of non pending task fails":    testClaimNonPending,
		"claim of unknown task":              testClaimUnknown,
		"non owner release leaves record":    testNonOwnerRelease,
		"release without lock":               testReleaseWithoutLock,
		"release success":                    testReleaseSuccess,
		"release failure with empty message": testReleaseFailureDefault,
		"start requires ownership":           testStartOwnership,
		"block pending task":                 testBlock,
		"stats":                              testStats,
		"closed store":                       testClosed,
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func add(t *testing.T, s persistence.ClaimStore, desc string, priority int, deps ...string) *scheduler.Task {
	t.Helper()
	task, err := s.AddTask(context.Background(), persistence.NewTask{
		Description:  desc,
		Priority:     priority,
		Dependencies: deps,
	})
	require.NoError(t, err)
	return task
}

func ids(tasks []*scheduler.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func testRoundTrip(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	dep := add(t, s, "lexer", 1)

	created, err := s.AddTask(ctx, persistence.NewTask{
		Description:  "parser",
		Dependencies: []string{dep.ID},
		Priority:     7,
		Role:         "worker",
	})
	require.NoError(t, err)
	assert.Regexp(t, `^task-[0-9a-z]{26}$`, created.ID)
	assert.Equal(t, scheduler.TaskPending, created.Status)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "parser", got.Description)
	assert.Equal(t, []string{dep.ID}, got.Dependencies)
	assert.Equal(t, 7, got.Priority)
	assert.Equal(t, "worker", got.Role)
	assert.Equal(t, created.Sequence, got.Sequence)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetTask(ctx, "task-missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testUnknownDependency(t *testing.T, s persistence.ClaimStore) {
	_, err := s.AddTask(context.Background(), persistence.NewTask{
		Description:  "orphan",
		Dependencies: []string{"task-ghost"},
	})
	assert.ErrorIs(t, err, persistence.ErrNotValid)

	tasks, err := s.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func testDuplicateID(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	_, err := s.AddTask(ctx, persistence.NewTask{ID: "task-fixed", Description: "one"})
	require.NoError(t, err)

	_, err = s.AddTask(ctx, persistence.NewTask{ID: "task-fixed", Description: "two"})
	assert.ErrorIs(t, err, persistence.ErrAlreadyExists)

	got, err := s.GetTask(ctx, "task-fixed")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Description)
}

func testListOrder(t *testing.T, s persistence.ClaimStore) {
	var want []string
	var lastSeq int64
	for i := 0; i < 5; i++ {
		task := add(t, s, fmt.Sprintf("t%d", i), 5-i)
		assert.Greater(t, task.Sequence, lastSeq)
		lastSeq = task.Sequence
		want = append(want, task.ID)
	}

	tasks, err := s.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, ids(tasks))
}

func testAvailableOrder(t *testing.T, s persistence.ClaimStore) {
	low := add(t, s, "low", 1)
	highA := add(t, s, "high a", 10)
	mid := add(t, s, "mid", 5)
	highB := add(t, s, "high b", 10)

	avail, err := s.AvailableTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{highA.ID, highB.ID, mid.ID, low.ID}, ids(avail))
}

func testDependencyGating(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	a := add(t, s, "a", 1)
	b := add(t, s, "b", 100, a.ID)

	avail, err := s.AvailableTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(avail))

	ok, err := s.TryClaim(ctx, a.ID, "agent-00")
	require.NoError(t, err)
	require.True(t, ok)

	avail, err = s.AvailableTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, avail, "claimed dependency must still gate")

	require.NoError(t, s.Release(ctx, a.ID, "agent-00", true, "done"))

	avail, err = s.AvailableTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(avail))
}

func testSingleWinner(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "contended", 1)

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	errs := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			ok, err := s.TryClaim(ctx, task.ID, agent)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, agent)
				mu.Unlock()
			}
		}(fmt.Sprintf("agent-%02d", i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, winners, 1)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskClaimed, got.Status)
	assert.Equal(t, winners[0], got.ClaimedBy)
	assert.NotNil(t, got.ClaimedAt)

	claim, err := s.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], claim.AgentID)
	assert.Equal(t, task.ID, claim.TaskID)
}

func testClaimNonPending(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "once", 1)

	ok, err := s.TryClaim(ctx, task.ID, "agent-00")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryClaim(ctx, task.ID, "agent-01")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, task.ID, "agent-00", true, "ok"))

	// Lock is gone but the task is terminal.
	ok, err = s.TryClaim(ctx, task.ID, "agent-01")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskCompleted, got.Status)
	assert.Equal(t, "agent-00", got.ClaimedBy)

	_, err = s.Claim(ctx, task.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testClaimUnknown(t *testing.T, s persistence.ClaimStore) {
	ok, err := s.TryClaim(context.Background(), "task-nope", "agent-00")
	assert.False(t, ok)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testNonOwnerRelease(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "owned", 1)

	ok, err := s.TryClaim(ctx, task.ID, "agent-00")
	require.NoError(t, err)
	require.True(t, ok)
	before, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)

	err = s.Release(ctx, task.ID, "agent-01", true, "stolen")
	require.ErrorIs(t, err, scheduler.ErrLockOwnership)
	var lerr *scheduler.LockOwnershipViolationError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "agent-00", lerr.Owner)
	assert.Equal(t, "agent-01", lerr.Agent)

	after, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ClaimedBy, after.ClaimedBy)
	assert.Empty(t, after.Result)

	claim, err := s.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-00", claim.AgentID)
}

func testReleaseWithoutLock(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "free", 1)

	err := s.Release(ctx, task.ID, "agent-00", true, "")
	assert.ErrorIs(t, err, scheduler.ErrLockOwnership)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPending, got.Status)
}

func testReleaseSuccess(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "work", 1)

	ok, err := s.TryClaim(ctx, task.ID, "agent-03")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Start(ctx, task.ID, "agent-03"))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskInProgress, got.Status)

	require.NoError(t, s.Release(ctx, task.ID, "agent-03", true, "wrote outputs/x.txt"))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskCompleted, got.Status)
	assert.Equal(t, "wrote outputs/x.txt", got.Result)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ClaimedAt)
	assert.False(t, got.CompletedAt.Before(*got.ClaimedAt))

	_, err = s.Claim(ctx, task.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	// A second release finds no lock.
	err = s.Release(ctx, task.ID, "agent-03", true, "again")
	assert.ErrorIs(t, err, scheduler.ErrLockOwnership)
}

func testReleaseFailureDefault(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "doomed", 1)

	ok, err := s.TryClaim(ctx, task.ID, "agent-00")
	require.NoError(t, err)
	require.True(t, ok)

	// Release straight from claimed is allowed.
	require.NoError(t, s.Release(ctx, task.ID, "agent-00", false, ""))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskFailed, got.Status)
	assert.Equal(t, persistence.DefaultFailureMessage, got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func testStartOwnership(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	task := add(t, s, "start", 1)

	err := s.Start(ctx, task.ID, "agent-00")
	assert.ErrorIs(t, err, scheduler.ErrLockOwnership)

	ok, err := s.TryClaim(ctx, task.ID, "agent-00")
	require.NoError(t, err)
	require.True(t, ok)

	err = s.Start(ctx, task.ID, "agent-01")
	assert.ErrorIs(t, err, scheduler.ErrLockOwnership)

	require.NoError(t, s.Start(ctx, task.ID, "agent-00"))
	err = s.Start(ctx, task.ID, "agent-00")
	assert.ErrorIs(t, err, scheduler.ErrInvalidTransition)
}

func testBlock(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	pending := add(t, s, "pending", 1)
	claimed := add(t, s, "claimed", 1)

	ok, err := s.TryClaim(ctx, claimed.ID, "agent-00")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Block(ctx, claimed.ID, "dependency x failed")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Block(ctx, pending.ID, "dependency x failed")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskBlocked, got.Status)
	assert.Equal(t, "dependency x failed", got.Error)

	_, err = s.Claim(ctx, pending.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	ok, err = s.TryClaim(ctx, pending.ID, "agent-01")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TryClaim(ctx, pending.ID, persistence.BlockOwner)
	assert.ErrorIs(t, err, persistence.ErrNotValid)
}

func testStats(t *testing.T, s persistence.ClaimStore) {
	ctx := context.Background()
	a := add(t, s, "a", 1)
	b := add(t, s, "b", 1)
	add(t, s, "c", 1)

	_, err := s.TryClaim(ctx, a.ID, "agent-00")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, a.ID, "agent-00", true, ""))
	_, err = s.TryClaim(ctx, b.ID, "agent-01")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Count(scheduler.TaskCompleted))
	assert.Equal(t, 1, stats.Count(scheduler.TaskClaimed))
	assert.Equal(t, 1, stats.Count(scheduler.TaskPending))
	assert.Equal(t, 0, stats.Count(scheduler.TaskFailed))
	assert.Equal(t, 1, stats.InFlight())
}

func testClosed(t *testing.T, s persistence.ClaimStore) {
	require.NoError(t, s.Close())

	_, err := s.AddTask(context.Background(), persistence.NewTask{Description: "late"})
	assert.ErrorIs(t, err, persistence.ErrClosed)
	_, err = s.TryClaim(context.Background(), "task-x", "agent-00")
	assert.ErrorIs(t, err, persistence.ErrClosed)
}
