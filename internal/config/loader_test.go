package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        string
		project       string
		expectAgents  int
		expectStore   string
		expectPoll    time.Duration
		expectProp    bool
		expectTimeout time.Duration
		expectError   bool
	}{
		{
			name:          "no config files returns defaults",
			expectAgents:  4,
			expectStore:   StoreFS,
			expectPoll:    100 * time.Millisecond,
			expectProp:    true,
			expectTimeout: time.Minute,
		},
		{
			name:          "global only",
			global:        `{"agents": 8, "store": {"kind": "sqlite"}}`,
			expectAgents:  8,
			expectStore:   StoreSQLite,
			expectPoll:    100 * time.Millisecond,
			expectProp:    true,
			expectTimeout: time.Minute,
		},
		{
			name:          "project overrides global",
			global:        `{"agents": 8, "poll_interval": "50ms"}`,
			project:       `{"agents": 2, "propagate_failures": false, "run_timeout": "5m"}`,
			expectAgents:  2,
			expectStore:   StoreFS,
			expectPoll:    50 * time.Millisecond,
			expectProp:    false,
			expectTimeout: 5 * time.Minute,
		},
		{
			name:        "malformed global",
			global:      `{"agents": `,
			expectError: true,
		},
		{
			name:        "bad duration",
			project:     `{"poll_interval": "soon"}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "missing-global.json")
			projectPath := filepath.Join(dir, "missing-project.json")
			if tt.global != "" {
				globalPath = writeFile(t, dir, "global.json", tt.global)
			}
			if tt.project != "" {
				projectPath = writeFile(t, dir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if cfg.Agents != tt.expectAgents {
				t.Errorf("agents = %d, want %d", cfg.Agents, tt.expectAgents)
			}
			if cfg.Store.Kind != tt.expectStore {
				t.Errorf("store kind = %s, want %s", cfg.Store.Kind, tt.expectStore)
			}
			if cfg.PollInterval.D() != tt.expectPoll {
				t.Errorf("poll interval = %s, want %s", cfg.PollInterval, tt.expectPoll)
			}
			if cfg.PropagateFailures != tt.expectProp {
				t.Errorf("propagate failures = %v, want %v", cfg.PropagateFailures, tt.expectProp)
			}
			if cfg.RunTimeout.D() != tt.expectTimeout {
				t.Errorf("run timeout = %s, want %s", cfg.RunTimeout, tt.expectTimeout)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("loaded config invalid: %v", err)
			}
		})
	}
}

func TestLoadEmptyPaths(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Handler.Kind != HandlerDemo || cfg.Log.Format != LogText {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestDefaultBreakerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BreakerThreshold != 0 {
		t.Errorf("breaker must be opt-in, default threshold = %d", cfg.BreakerThreshold)
	}
}

func TestLoadDefaultUsesHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, Dir), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(home, Dir), "config.json", `{"agents": 6}`)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	if cfg.Agents != 6 {
		t.Errorf("expected global config to apply, agents = %d", cfg.Agents)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil || d.D() != 90*time.Second {
		t.Errorf("string form: %s %v", d, err)
	}
	if err := d.UnmarshalJSON([]byte(`1000000`)); err != nil || d.D() != time.Millisecond {
		t.Errorf("number form: %s %v", d, err)
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for bool")
	}

	out, err := Duration(250 * time.Millisecond).MarshalJSON()
	if err != nil || string(out) != `"250ms"` {
		t.Errorf("MarshalJSON = %s, %v", out, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no base dir", func(c *Config) { c.BaseDir = "" }, "base_dir"},
		{"zero agents", func(c *Config) { c.Agents = 0 }, "agents"},
		{"unknown store", func(c *Config) { c.Store.Kind = "redis" }, "store kind"},
		{"negative duration", func(c *Config) { c.DrainTimeout = -1 }, "drain_timeout"},
		{"negative concurrency", func(c *Config) { c.Concurrency = -2 }, "concurrency"},
		{"agent prefix path", func(c *Config) { c.AgentPrefix = "a/b" }, "agent_prefix"},
		{"unknown handler", func(c *Config) { c.Handler.Kind = "llm" }, "handler kind"},
		{"command without path", func(c *Config) { c.Handler.Kind = HandlerCommand }, "handler.command"},
		{"fail percent", func(c *Config) { c.Handler.FailPercent = 101 }, "fail_percent"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"sqlite", func(c *Config) { c.Store.Kind = StoreSQLite }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDir = "/srv/team"

	if got := cfg.StoreDir(); got != "/srv/team/pool" {
		t.Errorf("StoreDir = %s", got)
	}
	if got := cfg.DBPath(); got != "/srv/team/pool.db" {
		t.Errorf("DBPath = %s", got)
	}
	if got := cfg.UpstreamDir(); got != "/srv/team/upstream.git" {
		t.Errorf("UpstreamDir = %s", got)
	}
	if got := cfg.WorkspacesDir(); got != "/srv/team/workspaces" {
		t.Errorf("WorkspacesDir = %s", got)
	}

	cfg.Store.Dir = "/tmp/pool"
	if got := cfg.StoreDir(); got != "/tmp/pool" {
		t.Errorf("explicit StoreDir = %s", got)
	}
}
