package worktree

import (
	"errors"

	"github.com/aristath/agentteam/internal/log"
)

var (
	// ErrSyncConflict is carried by SyncResult.Err when the merge conflicted.
	ErrSyncConflict = errors.New("merge conflict")
	// ErrPushRejected is carried by PushResult.Err when upstream moved ahead.
	ErrPushRejected = errors.New("push rejected")
	// ErrWorkspaceExists is returned by Create when the workspace path holds
	// a clone this manager did not create.
	ErrWorkspaceExists = errors.New("workspace already exists")
)

// Workspace is one agent's private clone of the shared repository.
type Workspace struct {
	AgentID string // Owning agent
	Path    string // Absolute path to the clone
	Branch  string // Shared branch tracked by the clone
}

// SyncResult represents the outcome of pulling shared state into a workspace.
type SyncResult struct {
	Synced        bool     // True if the workspace now contains upstream
	Conflict      bool     // True if the merge stopped on conflicts
	ConflictFiles []string // Files left conflicted before the abort
	Err           error    // Details when Synced is false
}

// PushResult represents the outcome of publishing a workspace.
type PushResult struct {
	Pushed    bool   // True if upstream contains the workspace state
	NoChanges bool   // True if there was nothing to publish
	Rejected  bool   // True if upstream refused a non-fast-forward update
	Commit    string // HEAD after a successful push
	Err       error  // Details when Pushed is false
}

// ManagerConfig configures the workspace manager
type ManagerConfig struct {
	UpstreamDir   string // Bare repository shared by all agents
	WorkspacesDir string // Parent directory of the per-agent clones
	Branch        string // Shared branch (default "main")
	Logger        log.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.UpstreamDir == "" {
		return errors.New("upstream dir is required")
	}
	if c.WorkspacesDir == "" {
		return errors.New("workspaces dir is required")
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "worktree.Manager"})
	return nil
}
