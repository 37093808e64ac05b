package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store kinds.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// Handler kinds.
const (
	HandlerDemo    = "demo"
	HandlerCommand = "command"
)

// Log formats.
const (
	LogText = "text"
	LogJSON = "json"
)

// Duration is a time.Duration that reads and writes as "250ms" style strings.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// StoreConfig selects the ClaimStore backend.
type StoreConfig struct {
	Kind   string `json:"kind"`              // "fs" or "sqlite"
	Dir    string `json:"dir,omitempty"`     // File store root, default <base_dir>/pool
	DBPath string `json:"db_path,omitempty"` // SQLite file, default <base_dir>/pool.db
}

// HandlerConfig selects the task handler.
type HandlerConfig struct {
	Kind        string   `json:"kind"`                   // "demo" or "command"
	Command     string   `json:"command,omitempty"`      // Executable for "command"
	Args        []string `json:"args,omitempty"`         // Arguments, with {task_id} style placeholders
	FailPercent int      `json:"fail_percent,omitempty"` // Demo failure share
	Timeout     Duration `json:"timeout,omitempty"`      // Per-task handler deadline, 0 for none
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"`  // logrus level name
	Format string `json:"format"` // "text" or "json"
}

// Config is the top-level configuration.
type Config struct {
	BaseDir     string   `json:"base_dir"` // Root for the pool, shared repository and workspaces
	Agents      int      `json:"agents"`
	Roles       []string `json:"roles,omitempty"`
	AgentPrefix string   `json:"agent_prefix,omitempty"` // Random per run when empty
	Branch      string   `json:"branch"`
	NoRepo      bool     `json:"no_repo,omitempty"` // Run without a shared repository
	RunTimeout  Duration `json:"run_timeout"`

	PollInterval      Duration `json:"poll_interval"`
	MaxPollInterval   Duration `json:"max_poll_interval"`
	Concurrency       int      `json:"concurrency,omitempty"`
	DrainTimeout      Duration `json:"drain_timeout"`
	PropagateFailures bool     `json:"propagate_failures"`
	BreakerThreshold  int      `json:"breaker_threshold"`
	BreakerCooldown   Duration `json:"breaker_cooldown"`
	MaxIterations     int      `json:"max_iterations,omitempty"`

	Store   StoreConfig   `json:"store"`
	Handler HandlerConfig `json:"handler"`
	Log     LogConfig     `json:"log"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New("base_dir is required")
	}
	if c.Agents < 1 {
		return fmt.Errorf("agents must be at least 1, got %d", c.Agents)
	}
	if strings.ContainsAny(c.AgentPrefix, `/\`) {
		return fmt.Errorf("agent_prefix must not contain path separators, got %q", c.AgentPrefix)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.BreakerThreshold < 0 {
		return fmt.Errorf("breaker_threshold must not be negative, got %d", c.BreakerThreshold)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations)
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"run_timeout", c.RunTimeout},
		{"poll_interval", c.PollInterval},
		{"max_poll_interval", c.MaxPollInterval},
		{"drain_timeout", c.DrainTimeout},
		{"breaker_cooldown", c.BreakerCooldown},
		{"handler.timeout", c.Handler.Timeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.name, d.d)
		}
	}

	switch c.Store.Kind {
	case StoreFS, StoreSQLite:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}

	switch c.Handler.Kind {
	case HandlerDemo:
		if c.Handler.FailPercent < 0 || c.Handler.FailPercent > 100 {
			return fmt.Errorf("handler.fail_percent must be within 0..100, got %d", c.Handler.FailPercent)
		}
	case HandlerCommand:
		if c.Handler.Command == "" {
			return errors.New("handler.command is required for the command handler")
		}
	default:
		return fmt.Errorf("unknown handler kind %q", c.Handler.Kind)
	}

	switch c.Log.Format {
	case LogText, LogJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// StoreDir returns the file store root.
func (c *Config) StoreDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return joinBase(c.BaseDir, "pool")
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return joinBase(c.BaseDir, "pool.db")
}

// UpstreamDir returns the shared bare repository path.
func (c *Config) UpstreamDir() string { return joinBase(c.BaseDir, "upstream.git") }

// WorkspacesDir returns the parent of the per-agent clones.
func (c *Config) WorkspacesDir() string { return joinBase(c.BaseDir, "workspaces") }
