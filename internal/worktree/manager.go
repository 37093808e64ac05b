package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// rejectionMarkers are substrings of git push output that mean upstream has
// commits the workspace does not.
var rejectionMarkers = []string{"[rejected]", "non-fast-forward", "fetch first", "cannot lock ref", "failed to update ref"}

// Manager owns the shared bare repository and the per-agent clones.
type Manager struct {
	config ManagerConfig
	initMu sync.Mutex // Serializes upstream creation

	mu      sync.Mutex
	created map[string]bool // Workspace paths cloned by this manager
}

// NewManager creates a new workspace manager
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	upstream, err := filepath.Abs(cfg.UpstreamDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upstream dir: %w", err)
	}
	workspaces, err := filepath.Abs(cfg.WorkspacesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspaces dir: %w", err)
	}
	cfg.UpstreamDir = upstream
	cfg.WorkspacesDir = workspaces

	return &Manager{config: cfg, created: make(map[string]bool)}, nil
}

// Branch returns the shared branch name.
func (m *Manager) Branch() string { return m.config.Branch }

// UpstreamDir returns the bare repository path.
func (m *Manager) UpstreamDir() string { return m.config.UpstreamDir }

// Init creates the bare upstream repository with an initial commit on the
// shared branch. It does nothing if the repository already exists.
func (m *Manager) Init(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if _, err := os.Stat(filepath.Join(m.config.UpstreamDir, "HEAD")); err == nil {
		return nil
	}

	if err := os.MkdirAll(m.config.UpstreamDir, 0755); err != nil {
		return fmt.Errorf("failed to create upstream dir: %w", err)
	}
	if _, err := m.git(ctx, m.config.UpstreamDir, "init", "--bare"); err != nil {
		return fmt.Errorf("failed to init upstream: %w", err)
	}
	if _, err := m.git(ctx, m.config.UpstreamDir, "symbolic-ref", "HEAD", "refs/heads/"+m.config.Branch); err != nil {
		return fmt.Errorf("failed to set upstream HEAD: %w", err)
	}

	// Seed the branch through a throwaway clone.
	tmp, err := os.MkdirTemp("", "agentteam-seed-")
	if err != nil {
		return fmt.Errorf("failed to create seed dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	seed := filepath.Join(tmp, "seed")
	if _, err := m.git(ctx, tmp, "clone", m.config.UpstreamDir, seed); err != nil {
		return fmt.Errorf("failed to clone upstream for seeding: %w", err)
	}
	if err := configureIdentity(ctx, m, seed, "agentteam"); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# Shared workspace\n"), 0644); err != nil {
		return fmt.Errorf("failed to write README: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(seed, "outputs"), 0755); err != nil {
		return fmt.Errorf("failed to create outputs dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(seed, "outputs", ".gitkeep"), nil, 0644); err != nil {
		return fmt.Errorf("failed to write .gitkeep: %w", err)
	}

	if _, err := m.git(ctx, seed, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage seed files: %w", err)
	}
	if _, err := m.git(ctx, seed, "commit", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("failed to commit seed files: %w", err)
	}
	if _, err := m.git(ctx, seed, "push", "origin", "HEAD:"+m.config.Branch); err != nil {
		return fmt.Errorf("failed to push seed commit: %w", err)
	}

	m.config.Logger.Infof("Initialized upstream repository at %s", m.config.UpstreamDir)
	return nil
}

// Create clones the upstream into a fresh workspace for agentID. A previous
// clone made by this manager is replaced; any other existing path fails with
// ErrWorkspaceExists, since it may belong to another running process.
func (m *Manager) Create(ctx context.Context, agentID string) (*Workspace, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) {
		return nil, fmt.Errorf("invalid agent id %q", agentID)
	}
	if err := os.MkdirAll(m.config.WorkspacesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces dir: %w", err)
	}

	path := filepath.Join(m.config.WorkspacesDir, agentID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Lstat(path); err == nil {
		if !m.created[path] {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceExists, path)
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove old workspace: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat workspace: %w", err)
	}

	delete(m.created, path)
	if _, err := m.git(ctx, m.config.WorkspacesDir, "clone", "--branch", m.config.Branch, m.config.UpstreamDir, path); err != nil {
		return nil, fmt.Errorf("failed to clone workspace for %s: %w", agentID, err)
	}
	m.created[path] = true
	if err := configureIdentity(ctx, m, path, agentID); err != nil {
		return nil, err
	}

	m.config.Logger.Debugf("Created workspace for %s at %s", agentID, path)
	return &Workspace{AgentID: agentID, Path: path, Branch: m.config.Branch}, nil
}

// Sync fetches upstream and merges it into the workspace. A conflicting
// merge is aborted so the workspace is left as it was before the merge.
func (m *Manager) Sync(ctx context.Context, ws *Workspace) SyncResult {
	if _, err := m.git(ctx, ws.Path, "fetch", "origin"); err != nil {
		return SyncResult{Err: fmt.Errorf("failed to fetch: %w", err)}
	}

	out, err := m.git(ctx, ws.Path, "merge", "origin/"+ws.Branch, "--no-edit")
	if err == nil {
		return SyncResult{Synced: true}
	}

	files := m.conflictedFiles(ctx, ws)
	if len(files) == 0 {
		files = parseConflictFiles(out)
	}
	// Abort fails when no merge is in progress; nothing to undo then.
	if _, abortErr := m.git(ctx, ws.Path, "merge", "--abort"); abortErr != nil {
		m.config.Logger.Debugf("merge --abort in %s: %v", ws.Path, abortErr)
	}

	if len(files) > 0 || strings.Contains(out, "CONFLICT") {
		return SyncResult{
			Conflict:      true,
			ConflictFiles: files,
			Err:           fmt.Errorf("%w in %s: %s", ErrSyncConflict, strings.Join(files, ", "), strings.TrimSpace(out)),
		}
	}
	return SyncResult{Err: fmt.Errorf("failed to merge: %w", err)}
}

// Push commits every change in the workspace and pushes it to the shared
// branch. An empty change set with nothing unpublished counts as success.
func (m *Manager) Push(ctx context.Context, ws *Workspace, message string) PushResult {
	if _, err := m.git(ctx, ws.Path, "add", "-A"); err != nil {
		return PushResult{Err: fmt.Errorf("failed to stage changes: %w", err)}
	}

	staged, err := m.hasStagedChanges(ctx, ws)
	if err != nil {
		return PushResult{Err: err}
	}
	if staged {
		if _, err := m.git(ctx, ws.Path, "commit", "-m", message); err != nil {
			return PushResult{Err: fmt.Errorf("failed to commit: %w", err)}
		}
	} else {
		// A commit left by an earlier rejected push still needs publishing.
		ahead, err := m.ahead(ctx, ws)
		if err != nil {
			return PushResult{Err: err}
		}
		if ahead == 0 {
			return PushResult{Pushed: true, NoChanges: true}
		}
	}

	out, err := m.git(ctx, ws.Path, "push", "origin", "HEAD:"+ws.Branch)
	if err != nil {
		if isRejection(out) {
			return PushResult{Rejected: true, Err: fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(out))}
		}
		return PushResult{Err: fmt.Errorf("failed to push: %w", err)}
	}

	head, err := m.Head(ctx, ws)
	if err != nil {
		return PushResult{Pushed: true, Err: err}
	}
	return PushResult{Pushed: true, Commit: head}
}

// Reset discards local commits and changes so the workspace matches the
// upstream branch again.
func (m *Manager) Reset(ctx context.Context, ws *Workspace) error {
	if _, err := m.git(ctx, ws.Path, "fetch", "origin"); err != nil {
		m.config.Logger.Warningf("fetch before reset of %s failed: %v", ws.AgentID, err)
	}
	if _, err := m.git(ctx, ws.Path, "reset", "--hard", "origin/"+ws.Branch); err != nil {
		return fmt.Errorf("failed to reset workspace: %w", err)
	}
	if _, err := m.git(ctx, ws.Path, "clean", "-fd"); err != nil {
		return fmt.Errorf("failed to clean workspace: %w", err)
	}
	return nil
}

// Remove deletes the workspace clone from disk.
func (m *Manager) Remove(ws *Workspace) error {
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ws.Path, err)
	}
	m.mu.Lock()
	delete(m.created, ws.Path)
	m.mu.Unlock()
	return nil
}

// Head returns the commit checked out in the workspace.
func (m *Manager) Head(ctx context.Context, ws *Workspace) (string, error) {
	out, err := m.git(ctx, ws.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Log returns up to n subjects from the upstream branch, newest first.
func (m *Manager) Log(ctx context.Context, n int) ([]string, error) {
	out, err := m.git(ctx, m.config.UpstreamDir, "log", "--format=%s", "-n", strconv.Itoa(n), m.config.Branch)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream log: %w", err)
	}

	var subjects []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

func (m *Manager) hasStagedChanges(ctx context.Context, ws *Workspace) (bool, error) {
	cmd := m.command(ctx, ws.Path, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("failed to check staged changes: %w", err)
}

func (m *Manager) ahead(ctx context.Context, ws *Workspace) (int, error) {
	out, err := m.git(ctx, ws.Path, "rev-list", "--count", "origin/"+ws.Branch+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count unpublished commits: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

func (m *Manager) conflictedFiles(ctx context.Context, ws *Workspace) []string {
	out, err := m.git(ctx, ws.Path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// parseConflictFiles extracts conflicting file paths from merge output
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		// Lines look like "CONFLICT (content): Merge conflict in <file>"
		if strings.HasPrefix(line, "CONFLICT") && strings.Contains(line, " in ") {
			parts := strings.Split(line, " in ")
			conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
		}
	}
	return conflicts
}

func isRejection(output string) bool {
	for _, marker := range rejectionMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func configureIdentity(ctx context.Context, m *Manager, dir, name string) error {
	settings := [][2]string{
		{"user.name", name},
		{"user.email", name + "@agent.local"},
		{"commit.gpgsign", "false"},
	}
	for _, kv := range settings {
		if _, err := m.git(ctx, dir, "config", kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to set %s: %w", kv[0], err)
		}
	}
	return nil
}

func (m *Manager) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// git runs a git command in dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := m.command(ctx, dir, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
