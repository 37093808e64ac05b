// Package filestore implements persistence.ClaimStore on a plain directory.
//
// Layout under the base directory:
//
//	tasks/<id>.json            authoritative task record
//	current_tasks/<id>.lock    claim held by one agent
//	completed_tasks/<id>.json  archived terminal record
//	sequence, sequence.lock    creation counter
//
// Claims are lock files created with O_CREATE|O_EXCL, so any number of
// processes sharing the directory on a local filesystem see a single winner.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/persistence"
	"github.com/aristath/agentteam/internal/scheduler"
)

const (
	tasksDirName   = "tasks"
	locksDirName   = "current_tasks"
	archiveDirName = "completed_tasks"
	sequenceName   = "sequence"
	recordExt      = ".json"
	lockExt        = ".lock"
)

// Config is the configuration for the file store.
type Config struct {
	Dir    string
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "persistence.FileStore"})
	return nil
}

// Store is a directory-backed persistence.ClaimStore.
type Store struct {
	dir        string
	tasksDir   string
	locksDir   string
	archiveDir string
	logger     log.Logger
	closed     atomic.Bool
}

var _ persistence.ClaimStore = (*Store)(nil)
var _ persistence.Notifier = (*Store)(nil)

// New opens (creating if needed) a file store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Store{
		dir:        cfg.Dir,
		tasksDir:   filepath.Join(cfg.Dir, tasksDirName),
		locksDir:   filepath.Join(cfg.Dir, locksDirName),
		archiveDir: filepath.Join(cfg.Dir, archiveDirName),
		logger:     cfg.Logger,
	}
	for _, dir := range []string{s.tasksDir, s.locksDir, s.archiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	s.logger.Debugf("File store initialized at %s", cfg.Dir)
	return s, nil
}

// Dir returns the base directory of the store.
func (s *Store) Dir() string { return s.dir }

// Close marks the store closed. Files are left in place.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}
	return ctx.Err()
}

// AddTask stores a new pending task.
func (s *Store) AddTask(ctx context.Context, nt persistence.NewTask) (*scheduler.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	id := nt.ID
	if id == "" {
		id = persistence.NewTaskID()
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	for _, dep := range nt.Dependencies {
		if dep == id {
			return nil, fmt.Errorf("task %s depends on itself: %w", id, persistence.ErrNotValid)
		}
		if err := validID(dep); err != nil {
			return nil, err
		}
		if _, err := os.Stat(s.taskPath(dep)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("unknown dependency %q: %w", dep, persistence.ErrNotValid)
			}
			return nil, fmt.Errorf("failed to check dependency %s: %w", dep, err)
		}
	}

	seq, err := s.nextSequence()
	if err != nil {
		return nil, err
	}

	deps := append([]string{}, nt.Dependencies...)
	task := &scheduler.Task{
		ID:           id,
		Description:  nt.Description,
		Status:       scheduler.TaskPending,
		Dependencies: deps,
		Priority:     nt.Priority,
		Sequence:     seq,
		Role:         nt.Role,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.createRecord(task); err != nil {
		return nil, err
	}

	s.logger.Debugf("Added task %s (priority %d, seq %d)", id, task.Priority, seq)
	return task.Clone(), nil
}

// GetTask reads the current record of a task.
func (s *Store) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.readTask(taskID)
}

// ListTasks returns every task ordered by creation sequence.
func (s *Store) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks dir: %w", err)
	}

	tasks := make([]*scheduler.Task, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		task, err := s.readTask(strings.TrimSuffix(name, recordExt))
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}

	scheduler.SortBySequence(tasks)
	return tasks, nil
}

// TryClaim takes the lock file for taskID. The task is re-read once the lock
// is held; if it is no longer pending the lock is dropped and false returned.
func (s *Store) TryClaim(ctx context.Context, taskID, agentID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if agentID == "" || agentID == persistence.BlockOwner {
		return false, fmt.Errorf("invalid agent id %q: %w", agentID, persistence.ErrNotValid)
	}

	task, err := s.readTask(taskID)
	if err != nil {
		return false, err
	}
	if task.Status != scheduler.TaskPending {
		return false, nil
	}

	now := time.Now().UTC()
	ok, err := s.createLock(persistence.Claim{AgentID: agentID, ClaimedAt: now, TaskID: taskID})
	if err != nil || !ok {
		return false, err
	}

	// Someone may have finished the task between our read and the lock.
	task, err = s.readTask(taskID)
	if err != nil {
		s.removeLock(taskID)
		return false, err
	}
	if task.Status != scheduler.TaskPending {
		s.removeLock(taskID)
		s.logger.Debugf("Dropped stale claim on %s (status %s)", taskID, task.Status)
		return false, nil
	}

	if err := task.Transition(scheduler.TaskClaimed); err != nil {
		s.removeLock(taskID)
		return false, err
	}
	task.ClaimedBy = agentID
	task.ClaimedAt = &now
	if err := s.writeTask(task); err != nil {
		s.removeLock(taskID)
		return false, err
	}

	return true, nil
}

// Start moves an owned task to in_progress.
func (s *Store) Start(ctx context.Context, taskID, agentID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.checkOwner(taskID, agentID); err != nil {
		return err
	}

	task, err := s.readTask(taskID)
	if err != nil {
		return err
	}
	if err := task.Transition(scheduler.TaskInProgress); err != nil {
		return err
	}
	return s.writeTask(task)
}

// Release writes the terminal record, archives it, then removes the lock.
func (s *Store) Release(ctx context.Context, taskID, agentID string, success bool, payload string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.checkOwner(taskID, agentID); err != nil {
		return err
	}

	task, err := s.readTask(taskID)
	if err != nil {
		return err
	}

	to := scheduler.TaskFailed
	if success {
		to = scheduler.TaskCompleted
	}
	if err := task.Transition(to); err != nil {
		return err
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	if success {
		task.Result = payload
	} else {
		task.Error = persistence.FailureMessage(payload)
	}

	if err := s.finalize(task); err != nil {
		return err
	}

	s.logger.Debugf("Released %s as %s by %s", taskID, task.Status, agentID)
	return nil
}

// Block marks a pending task blocked using the claim primitive with the
// reserved owner, so it cannot race an agent claim.
func (s *Store) Block(ctx context.Context, taskID, reason string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	ok, err := s.createLock(persistence.Claim{
		AgentID:   persistence.BlockOwner,
		ClaimedAt: time.Now().UTC(),
		TaskID:    taskID,
	})
	if err != nil || !ok {
		return false, err
	}

	task, err := s.readTask(taskID)
	if err != nil {
		s.removeLock(taskID)
		return false, err
	}
	if task.Status != scheduler.TaskPending {
		s.removeLock(taskID)
		return false, nil
	}
	if err := task.Transition(scheduler.TaskBlocked); err != nil {
		s.removeLock(taskID)
		return false, err
	}
	task.Error = reason

	if err := s.finalize(task); err != nil {
		return false, err
	}
	return true, nil
}

// AvailableTasks returns the eligible tasks in claim order.
func (s *Store) AvailableTasks(ctx context.Context) ([]*scheduler.Task, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return scheduler.Eligible(tasks), nil
}

// Stats returns a best-effort count snapshot.
func (s *Store) Stats(ctx context.Context) (scheduler.Stats, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return scheduler.Stats{}, err
	}
	return scheduler.CountStatuses(tasks), nil
}

// Claim returns the lock currently held for taskID.
func (s *Store) Claim(ctx context.Context, taskID string) (*persistence.Claim, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.readClaim(taskID)
}

// finalize persists a terminal record, archives it and drops the lock.
func (s *Store) finalize(task *scheduler.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := atomicwriter.WriteFile(s.taskPath(task.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	if err := atomicwriter.WriteFile(s.archivePath(task.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
	}
	if err := os.Remove(s.lockPath(task.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock for %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) checkOwner(taskID, agentID string) error {
	claim, err := s.readClaim(taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return &scheduler.LockOwnershipViolationError{TaskID: taskID, Agent: agentID}
		}
		return err
	}
	if claim.AgentID != agentID {
		return &scheduler.LockOwnershipViolationError{TaskID: taskID, Agent: agentID, Owner: claim.AgentID}
	}
	return nil
}

// createLock is the claim primitive. It returns false when the lock exists.
func (s *Store) createLock(claim persistence.Claim) (bool, error) {
	if err := validID(claim.TaskID); err != nil {
		return false, err
	}

	path := s.lockPath(claim.TaskID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock for %s: %w", claim.TaskID, err)
	}

	data, err := json.Marshal(claim)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("failed to write lock for %s: %w", claim.TaskID, err)
	}
	return true, nil
}

func (s *Store) removeLock(taskID string) {
	if err := os.Remove(s.lockPath(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warningf("Could not remove lock for %s: %v", taskID, err)
	}
}

func (s *Store) readClaim(taskID string) (*persistence.Claim, error) {
	data, err := os.ReadFile(s.lockPath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("claim %s: %w", taskID, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read lock for %s: %w", taskID, err)
	}

	// A lock being written by its creator can be observed empty.
	claim := &persistence.Claim{TaskID: taskID}
	if len(data) > 0 {
		if err := json.Unmarshal(data, claim); err != nil {
			return nil, fmt.Errorf("failed to decode lock for %s: %w", taskID, err)
		}
	}
	return claim, nil
}

func (s *Store) readTask(taskID string) (*scheduler.Task, error) {
	if err := validID(taskID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.taskPath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", taskID, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read task %s: %w", taskID, err)
	}

	var task scheduler.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	if task.Dependencies == nil {
		task.Dependencies = []string{}
	}
	return &task, nil
}

func (s *Store) writeTask(task *scheduler.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := atomicwriter.WriteFile(s.taskPath(task.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	return nil
}

// createRecord writes a new task record, failing if the ID is taken. The
// record is fully written to a temp file and hard-linked into place.
func (s *Store) createRecord(task *scheduler.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(s.tasksDir, ".new-"+task.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to chmod temp record: %w", err)
	}

	if err := os.Link(tmpPath, s.taskPath(task.ID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("task %s: %w", task.ID, persistence.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to store task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) taskPath(id string) string    { return filepath.Join(s.tasksDir, id+recordExt) }
func (s *Store) lockPath(id string) string    { return filepath.Join(s.locksDir, id+lockExt) }
func (s *Store) archivePath(id string) string { return filepath.Join(s.archiveDir, id+recordExt) }

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid task id %q: %w", id, persistence.ErrNotValid)
	}
	return nil
}
