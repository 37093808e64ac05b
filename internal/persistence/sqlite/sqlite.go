package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/persistence"
	"github.com/aristath/agentteam/internal/persistence/sqlite/migrations"
	"github.com/aristath/agentteam/internal/scheduler"
)

// StoreConfig is the configuration for the SQLite claim store.
type StoreConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "persistence.SQLite"})
	return nil
}

// Store is a SQLite implementation of persistence.ClaimStore. A claim is a
// row in the claims table keyed by task ID; every mutation runs in a
// BEGIN IMMEDIATE transaction so other processes on the same file serialize.
type Store struct {
	db     *sql.DB
	logger log.Logger
	closed atomic.Bool
}

var _ persistence.ClaimStore = (*Store)(nil)

// NewStore opens the database at cfg.DBPath and applies migrations.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_txlock=immediate", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite claim store initialized at %s", cfg.DBPath)

	return &Store{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}
	return ctx.Err()
}

// AddTask inserts a pending task with the next sequence number.
func (s *Store) AddTask(ctx context.Context, nt persistence.NewTask) (*scheduler.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	id := nt.ID
	if id == "" {
		id = persistence.NewTaskID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, dep := range nt.Dependencies {
		if dep == id {
			return nil, fmt.Errorf("task %s depends on itself: %w", id, persistence.ErrNotValid)
		}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown dependency %q: %w", dep, persistence.ErrNotValid)
		}
		if err != nil {
			return nil, fmt.Errorf("could not check dependency %s: %w", dep, err)
		}
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM tasks`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("could not get max sequence: %w", err)
	}

	now := time.Now().UTC()
	task := &scheduler.Task{
		ID:           id,
		Description:  nt.Description,
		Status:       scheduler.TaskPending,
		Dependencies: append([]string{}, nt.Dependencies...),
		Priority:     nt.Priority,
		Sequence:     maxSeq + 1,
		Role:         nt.Role,
		CreatedAt:    now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, description, status, priority, sequence, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Description, task.Status, task.Priority, task.Sequence, task.Role, now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.id") {
			return nil, fmt.Errorf("task %s: %w", id, persistence.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("could not insert task: %w", err)
	}

	for i, dep := range task.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
		`, task.ID, dep, i)
		if err != nil {
			return nil, fmt.Errorf("could not insert dependency %s -> %s: %w", task.ID, dep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	s.logger.Debugf("Added task %s (priority %d, seq %d)", id, task.Priority, task.Sequence)
	return task, nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *Store) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	task, err := scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies
		WHERE task_id = ?
		ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("could not scan dependency: %w", err)
		}
		task.Dependencies = append(task.Dependencies, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return task, nil
}

// ListTasks returns all tasks in creation order.
func (s *Store) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectTask+` ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	byID := map[string]*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("could not scan task: %w", err)
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Loaded after the task rows are closed, never nested.
	depRows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		ORDER BY task_id, position
	`)
	if err != nil {
		return nil, fmt.Errorf("could not query dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("could not scan dependency: %w", err)
		}
		if t, ok := byID[taskID]; ok {
			t.Dependencies = append(t.Dependencies, dep)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return tasks, nil
}

// TryClaim inserts the claim row for taskID. The status check and the insert
// happen in one immediate transaction, so a stale eligible read cannot win.
func (s *Store) TryClaim(ctx context.Context, taskID, agentID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if agentID == "" || agentID == persistence.BlockOwner {
		return false, fmt.Errorf("invalid agent id %q: %w", agentID, persistence.ErrNotValid)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := taskStatus(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	if status != scheduler.TaskPending {
		return false, nil
	}

	now := time.Now().UTC()
	won, err := insertClaim(ctx, tx, taskID, agentID, now)
	if err != nil || !won {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?
		WHERE id = ?
	`, scheduler.TaskClaimed, agentID, now.UnixNano(), taskID)
	if err != nil {
		return false, fmt.Errorf("could not mark task claimed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("could not commit transaction: %w", err)
	}
	return true, nil
}

// Start moves an owned task to in_progress.
func (s *Store) Start(ctx context.Context, taskID, agentID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, taskID, agentID); err != nil {
		return err
	}
	status, err := taskStatus(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if !scheduler.CanTransition(status, scheduler.TaskInProgress) {
		return &scheduler.InvalidTransitionError{TaskID: taskID, From: status, To: scheduler.TaskInProgress}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, scheduler.TaskInProgress, taskID); err != nil {
		return fmt.Errorf("could not mark task in progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Release finalizes an owned task: terminal status, archive stamp and claim
// removal commit together.
func (s *Store) Release(ctx context.Context, taskID, agentID string, success bool, payload string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkOwner(ctx, tx, taskID, agentID); err != nil {
		return err
	}
	status, err := taskStatus(ctx, tx, taskID)
	if err != nil {
		return err
	}

	to, result, errText := scheduler.TaskFailed, "", persistence.FailureMessage(payload)
	if success {
		to, result, errText = scheduler.TaskCompleted, payload, ""
	}
	if !scheduler.CanTransition(status, to) {
		return &scheduler.InvalidTransitionError{TaskID: taskID, From: status, To: to}
	}

	now := time.Now().UTC().UnixNano()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ?, archived_at = ?
		WHERE id = ?
	`, to, result, errText, now, now, taskID)
	if err != nil {
		return fmt.Errorf("could not finalize task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("could not delete claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	s.logger.Debugf("Released %s as %s by %s", taskID, to, agentID)
	return nil
}

// Block moves a pending, unclaimed task to blocked.
func (s *Store) Block(ctx context.Context, taskID, reason string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	status, err := taskStatus(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	if status != scheduler.TaskPending {
		return false, nil
	}
	won, err := insertClaim(ctx, tx, taskID, persistence.BlockOwner, time.Now().UTC())
	if err != nil || !won {
		return false, err
	}

	now := time.Now().UTC().UnixNano()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, archived_at = ?
		WHERE id = ?
	`, scheduler.TaskBlocked, reason, now, taskID)
	if err != nil {
		return false, fmt.Errorf("could not block task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE task_id = ?`, taskID); err != nil {
		return false, fmt.Errorf("could not delete claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("could not commit transaction: %w", err)
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

// Stats returns per-status counts.
func (s *Store) Stats(ctx context.Context) (scheduler.Stats, error) {
	if err := s.check(ctx); err != nil {
		return scheduler.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return scheduler.Stats{}, fmt.Errorf("could not query stats: %w", err)
	}
	defer rows.Close()

	stats := scheduler.CountStatuses(nil)
	for rows.Next() {
		var status scheduler.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return scheduler.Stats{}, fmt.Errorf("could not scan stats: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return scheduler.Stats{}, fmt.Errorf("error iterating stats: %w", err)
	}
	return stats, nil
}

// Claim returns the claim currently held for taskID.
func (s *Store) Claim(ctx context.Context, taskID string) (*persistence.Claim, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var c persistence.Claim
	var claimedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT task_id, agent_id, claimed_at FROM claims WHERE task_id = ?`, taskID).
		Scan(&c.TaskID, &c.AgentID, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claim %s: %w", taskID, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query claim: %w", err)
	}
	c.ClaimedAt = timeFromUnixNano(claimedAt)
	return &c, nil
}

// insertClaim is the claim primitive: a primary-key insert that does nothing
// when the row exists.
func insertClaim(ctx context.Context, tx *sql.Tx, taskID, agentID string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO claims (task_id, agent_id, claimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING
	`, taskID, agentID, at.UnixNano())
	if err != nil {
		return false, fmt.Errorf("could not insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	return n == 1, nil
}

func checkOwner(ctx context.Context, tx *sql.Tx, taskID, agentID string) error {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT agent_id FROM claims WHERE task_id = ?`, taskID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return &scheduler.LockOwnershipViolationError{TaskID: taskID, Agent: agentID}
	}
	if err != nil {
		return fmt.Errorf("could not query claim: %w", err)
	}
	if owner != agentID {
		return &scheduler.LockOwnershipViolationError{TaskID: taskID, Agent: agentID, Owner: owner}
	}
	return nil
}

func taskStatus(ctx context.Context, tx *sql.Tx, taskID string) (scheduler.TaskStatus, error) {
	var status scheduler.TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s: %w", taskID, persistence.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("could not query task status: %w", err)
	}
	return status, nil
}

const selectTask = `
	SELECT id, description, status, claimed_by, claimed_at, completed_at,
		result, error, priority, sequence, role, created_at
	FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*scheduler.Task, error) {
	var t scheduler.Task
	var claimedAt, completedAt sql.NullInt64
	var createdAt int64

	err := s.Scan(
		&t.ID,
		&t.Description,
		&t.Status,
		&t.ClaimedBy,
		&claimedAt,
		&completedAt,
		&t.Result,
		&t.Error,
		&t.Priority,
		&t.Sequence,
		&t.Role,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.CreatedAt = timeFromUnixNano(createdAt)
	if claimedAt.Valid {
		at := timeFromUnixNano(claimedAt.Int64)
		t.ClaimedAt = &at
	}
	if completedAt.Valid {
		at := timeFromUnixNano(completedAt.Int64)
		t.CompletedAt = &at
	}
	t.Dependencies = []string{}
	return &t, nil
}

func timeFromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
