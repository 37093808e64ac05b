package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/scheduler"
)

// Environment variables set for every command.
const (
	EnvTaskID          = "AGENTTEAM_TASK_ID"
	EnvTaskDescription = "AGENTTEAM_TASK_DESCRIPTION"
	EnvTaskPriority    = "AGENTTEAM_TASK_PRIORITY"
	EnvAgentID         = "AGENTTEAM_AGENT_ID"
	EnvAgentRole       = "AGENTTEAM_AGENT_ROLE"
	EnvWorkspace       = "AGENTTEAM_WORKSPACE"
)

// maxMessage bounds the output kept on the task record.
const maxMessage = 4096

// CommandConfig configures a Command handler.
type CommandConfig struct {
	Path      string   // Executable, required
	Args      []string // {task_id}, {description}, {agent_id} and {role} are expanded
	Env       []string // Extra KEY=VALUE pairs
	Processes *ProcessManager
	Logger    log.Logger
}

func (c *CommandConfig) defaults() error {
	if c.Path == "" {
		return errors.New("command path is required")
	}
	if c.Processes == nil {
		c.Processes = NewProcessManager()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "handler.Command"})
	return nil
}

// Command runs an external program for each task, inside the agent's
// workspace. Exit status 0 completes the task with stdout as the result; any
// other status fails it with the error and stderr.
type Command struct {
	config CommandConfig
	logger log.Logger
}

// NewCommand returns a Command handler.
func NewCommand(cfg CommandConfig) (*Command, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Command{config: cfg, logger: cfg.Logger}, nil
}

// Processes returns the manager tracking the running commands.
func (c *Command) Processes() *ProcessManager { return c.config.Processes }

// Handle implements orchestrator.Handler.
func (c *Command) Handle(ctx context.Context, agent *orchestrator.Agent, task scheduler.Task) orchestrator.Outcome {
	expand := strings.NewReplacer(
		"{task_id}", task.ID,
		"{description}", task.Description,
		"{agent_id}", agent.ID,
		"{role}", agent.Role,
	)
	args := make([]string, len(c.config.Args))
	for i, a := range c.config.Args {
		args[i] = expand.Replace(a)
	}

	cmd := newCommand(ctx, c.config.Path, args...)
	cmd.Dir = agent.Dir()
	cmd.Env = append(os.Environ(), c.config.Env...)
	cmd.Env = append(cmd.Env,
		EnvTaskID+"="+task.ID,
		EnvTaskDescription+"="+task.Description,
		fmt.Sprintf("%s=%d", EnvTaskPriority, task.Priority),
		EnvAgentID+"="+agent.ID,
		EnvAgentRole+"="+agent.Role,
		EnvWorkspace+"="+agent.Dir(),
	)

	c.logger.Debugf("Running %s for task %s in %q", c.config.Path, task.ID, cmd.Dir)
	stdout, _, err := executeCommand(cmd, c.config.Processes)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return orchestrator.Outcome{Success: false, Message: tail(err.Error(), maxMessage)}
	}

	result := strings.TrimSpace(string(stdout))
	if result == "" {
		result = "command succeeded"
	}
	return orchestrator.Outcome{Success: true, Message: tail(result, maxMessage)}
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
