package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// setupManager creates a manager with an initialized upstream in a temp dir
func setupManager(t *testing.T) *Manager {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	manager, err := NewManager(ManagerConfig{
		UpstreamDir:   filepath.Join(root, "upstream.git"),
		WorkspacesDir: filepath.Join(root, "workspaces"),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return manager
}

func createWorkspace(t *testing.T, m *Manager, agentID string) *Workspace {
	t.Helper()
	ws, err := m.Create(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", agentID, err)
	}
	return ws
}

func writeFile(t *testing.T, ws *Workspace, name, content string) {
	t.Helper()
	path := filepath.Join(ws.Path, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v (output: %s)", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerConfig{WorkspacesDir: "w"}); err == nil {
		t.Error("expected error without upstream dir")
	}
	if _, err := NewManager(ManagerConfig{UpstreamDir: "u"}); err == nil {
		t.Error("expected error without workspaces dir")
	}
	m, err := NewManager(ManagerConfig{UpstreamDir: "u", WorkspacesDir: "w"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Branch() != "main" {
		t.Errorf("expected default branch main, got %s", m.Branch())
	}
	if !filepath.IsAbs(m.UpstreamDir()) {
		t.Errorf("upstream dir should be absolute: %s", m.UpstreamDir())
	}
}

func TestInitSeedsUpstream(t *testing.T) {
	m := setupManager(t)

	// Second call is a no-op.
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}

	head := gitOutput(t, m.UpstreamDir(), "symbolic-ref", "HEAD")
	if head != "refs/heads/main" {
		t.Errorf("expected HEAD refs/heads/main, got %s", head)
	}

	log, err := m.Log(context.Background(), 10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(log) != 1 || log[0] != "Initial commit" {
		t.Errorf("unexpected upstream log: %v", log)
	}
}

func TestCreate(t *testing.T) {
	m := setupManager(t)
	ws := createWorkspace(t, m, "agent-00")

	for _, name := range []string{"README.md", filepath.Join("outputs", ".gitkeep")} {
		if _, err := os.Stat(filepath.Join(ws.Path, name)); err != nil {
			t.Errorf("expected %s in workspace: %v", name, err)
		}
	}
	if got := gitOutput(t, ws.Path, "config", "user.email"); got != "agent-00@agent.local" {
		t.Errorf("unexpected user.email %q", got)
	}
	if got := gitOutput(t, ws.Path, "config", "user.name"); got != "agent-00" {
		t.Errorf("unexpected user.name %q", got)
	}

	// Re-creating replaces the clone.
	writeFile(t, ws, "scratch.txt", "junk")
	ws = createWorkspace(t, m, "agent-00")
	if _, err := os.Stat(filepath.Join(ws.Path, "scratch.txt")); !os.IsNotExist(err) {
		t.Error("expected fresh clone without scratch.txt")
	}
}

func TestCreateRefusesForeignWorkspace(t *testing.T) {
	m := setupManager(t)
	ws := createWorkspace(t, m, "agent-00")
	writeFile(t, ws, "live.txt", "in use")

	// A second manager over the same directories stands in for another process.
	other, err := NewManager(m.config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := other.Create(context.Background(), "agent-00"); !errors.Is(err, ErrWorkspaceExists) {
		t.Fatalf("expected ErrWorkspaceExists, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "live.txt")); err != nil {
		t.Errorf("foreign Create touched the live clone: %v", err)
	}

	// Once removed, the path is free for anyone.
	if err := m.Remove(ws); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := other.Create(context.Background(), "agent-00"); err != nil {
		t.Errorf("Create after Remove failed: %v", err)
	}
}

func TestCreateRejectsBadAgentID(t *testing.T) {
	m := setupManager(t)
	if _, err := m.Create(context.Background(), "../evil"); err == nil {
		t.Error("expected error for path-like agent id")
	}
}

func TestPushNoChanges(t *testing.T) {
	m := setupManager(t)
	ws := createWorkspace(t, m, "agent-00")

	res := m.Push(context.Background(), ws, "nothing")
	if !res.Pushed || !res.NoChanges {
		t.Fatalf("expected no-op success, got %+v", res)
	}
}

func TestPushThenSync(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	a := createWorkspace(t, m, "agent-00")
	b := createWorkspace(t, m, "agent-01")

	writeFile(t, a, "outputs/a.txt", "from a\n")
	res := m.Push(ctx, a, "agent-00: task a")
	if !res.Pushed || res.NoChanges || res.Commit == "" {
		t.Fatalf("expected push with commit, got %+v", res)
	}

	sync := m.Sync(ctx, b)
	if !sync.Synced {
		t.Fatalf("Sync failed: %+v", sync)
	}
	data, err := os.ReadFile(filepath.Join(b.Path, "outputs", "a.txt"))
	if err != nil || string(data) != "from a\n" {
		t.Errorf("expected synced file, got %q (%v)", data, err)
	}
}

func TestRejectedPushRetriesAfterSync(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	a := createWorkspace(t, m, "agent-00")
	b := createWorkspace(t, m, "agent-01")

	writeFile(t, a, "outputs/a.txt", "a\n")
	if res := m.Push(ctx, a, "task a"); !res.Pushed {
		t.Fatalf("first push failed: %+v", res)
	}

	writeFile(t, b, "outputs/b.txt", "b\n")
	res := m.Push(ctx, b, "task b")
	if res.Pushed || !res.Rejected {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if !errors.Is(res.Err, ErrPushRejected) {
		t.Errorf("expected ErrPushRejected, got %v", res.Err)
	}

	if sync := m.Sync(ctx, b); !sync.Synced {
		t.Fatalf("Sync failed: %+v", sync)
	}
	// The commit from the rejected attempt is published now.
	res = m.Push(ctx, b, "task b")
	if !res.Pushed || res.NoChanges {
		t.Fatalf("expected retry to publish, got %+v", res)
	}

	log, err := m.Log(ctx, 10)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	joined := strings.Join(log, "\n")
	for _, want := range []string{"task a", "task b", "Initial commit"} {
		if !strings.Contains(joined, want) {
			t.Errorf("upstream log missing %q: %v", want, log)
		}
	}
}

func TestSyncConflictAbortsMerge(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t)
	a := createWorkspace(t, m, "agent-00")
	b := createWorkspace(t, m, "agent-01")

	writeFile(t, a, "shared.txt", "version a\n")
	if res := m.Push(ctx, a, "a edits shared"); !res.Pushed {
		t.Fatalf("push a failed: %+v", res)
	}

	writeFile(t, b, "shared.txt", "version b\n")
	if res := m.Push(ctx, b, "b edits shared"); !res.Rejected {
		t.Fatalf("expected rejection, got %+v", res)
	}

	sync := m.Sync(ctx, b)
	if sync.Synced || !sync.Conflict {
		t.Fatalf("expected conflict, got %+v", sync)
	}
	if !errors.Is(sync.Err, ErrSyncConflict) {
		t.Errorf("expected ErrSyncConflict, got %v", sync.Err)
	}
	if len(sync.ConflictFiles) != 1 || sync.ConflictFiles[0] != "shared.txt" {
		t.Errorf("unexpected conflict files: %v", sync.ConflictFiles)
	}
	if _, err := os.Stat(filepath.Join(b.Path, ".git", "MERGE_HEAD")); !os.IsNotExist(err) {
		t.Error("merge should have been aborted")
	}

	if res := m.Push(ctx, b, "b edits shared"); res.Pushed {
		t.Fatalf("push after conflict should still fail, got %+v", res)
	}

	if err := m.Reset(ctx, b); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.Path, "shared.txt"))
	if err != nil || string(data) != "version a\n" {
		t.Errorf("expected upstream content after reset, got %q (%v)", data, err)
	}

	headA, _ := m.Head(ctx, a)
	headB, _ := m.Head(ctx, b)
	if headA != headB {
		t.Errorf("expected equal heads after reset, got %s and %s", headA, headB)
	}
}

func TestRemove(t *testing.T) {
	m := setupManager(t)
	ws := createWorkspace(t, m, "agent-00")
	if err := m.Remove(ws); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("workspace still exists")
	}
}

func TestParseConflictFiles(t *testing.T) {
	output := `Auto-merging shared.txt
CONFLICT (content): Merge conflict in shared.txt
CONFLICT (add/add): Merge conflict in outputs/x.txt
Automatic merge failed; fix conflicts and then commit the result.`

	files := parseConflictFiles(output)
	if len(files) != 2 || files[0] != "shared.txt" || files[1] != "outputs/x.txt" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestIsRejection(t *testing.T) {
	tests := map[string]bool{
		" ! [rejected]        HEAD -> main (fetch first)":      true,
		"error: failed to push some refs (non-fast-forward)":   true,
		"error: cannot lock ref 'refs/heads/main'":             true,
		"fatal: could not read from remote repository":         false,
		"To /tmp/upstream.git\n   abc..def  HEAD -> main\n":    false,
	}
	for out, want := range tests {
		if got := isRejection(out); got != want {
			t.Errorf("isRejection(%q) = %v, want %v", out, got, want)
		}
	}
}
