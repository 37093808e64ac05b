package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/oklog/run"

	"github.com/aristath/agentteam/internal/config"
	"github.com/aristath/agentteam/internal/events"
	"github.com/aristath/agentteam/internal/handler"
	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/orchestrator"
	"github.com/aristath/agentteam/internal/printer"
	"github.com/aristath/agentteam/internal/taskfile"
	"github.com/aristath/agentteam/internal/tui"
	"github.com/aristath/agentteam/internal/worktree"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	agents      int
	timeout     time.Duration
	tasksPath   string
	handlerKind string
	command     string
	args        []string
	failPercent int
	noRepo      bool
	TUI         bool
	format      string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the agent team over the task pool.").Default()
	c.Cmd.Flag("agents", "Number of agents (overrides config).").Short('n').IntVar(&c.agents)
	c.Cmd.Flag("timeout", "Run timeout (overrides config).").DurationVar(&c.timeout)
	c.Cmd.Flag("tasks", "YAML task list to add before running. The demo tasks are seeded into an empty pool otherwise.").StringVar(&c.tasksPath)
	c.Cmd.Flag("handler", "Task handler kind (overrides config).").EnumVar(&c.handlerKind, config.HandlerDemo, config.HandlerCommand)
	c.Cmd.Flag("command", "Executable for the command handler.").StringVar(&c.command)
	c.Cmd.Flag("arg", "Argument for the command handler, repeatable. {task_id}, {description}, {agent_id} and {role} are expanded.").StringsVar(&c.args)
	c.Cmd.Flag("fail-percent", "Demo handler failure share, 0 to 100 (overrides config).").Default("-1").IntVar(&c.failPercent)
	c.Cmd.Flag("no-repo", "Run without a shared repository.").BoolVar(&c.noRepo)
	c.Cmd.Flag("tui", "Show a live terminal view of the run.").BoolVar(&c.TUI)
	c.Cmd.Flag("format", "Report output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger.WithValues(log.Kv{"cmd": "run"})

	cfg, err := c.config()
	if err != nil {
		return err
	}

	store, err := c.rootCmd.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var workspaces *worktree.Manager
	if !cfg.NoRepo {
		workspaces, err = worktree.NewManager(worktree.ManagerConfig{
			UpstreamDir:   cfg.UpstreamDir(),
			WorkspacesDir: cfg.WorkspacesDir(),
			Branch:        cfg.Branch,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("could not create workspace manager: %w", err)
		}
	}

	h, processes, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}
	if processes != nil {
		// Handlers outlive the run context; a stop signal ends their processes.
		stop := context.AfterFunc(ctx, func() {
			if err := processes.KillAll(); err != nil {
				logger.Warningf("Could not kill handler processes: %v", err)
			}
		})
		defer stop()
	}

	var bus *events.EventBus
	if c.TUI {
		bus = events.NewEventBus()
		defer bus.Close()
	}

	orch, err := orchestrator.New(ctx, orchestrator.Config{
		Store:             store,
		Workspaces:        workspaces,
		Agents:            cfg.Agents,
		Roles:             cfg.Roles,
		AgentPrefix:       cfg.AgentPrefix,
		PollInterval:      cfg.PollInterval.D(),
		MaxPollInterval:   cfg.MaxPollInterval.D(),
		Concurrency:       cfg.Concurrency,
		DrainTimeout:      cfg.DrainTimeout.D(),
		PropagateFailures: cfg.PropagateFailures,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerCooldown:   cfg.BreakerCooldown.D(),
		HandlerTimeout:    cfg.Handler.Timeout.D(),
		MaxIterations:     cfg.MaxIterations,
		Events:            bus,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Warningf("Could not remove agent workspaces: %v", err)
		}
	}()

	if err := c.seedTasks(ctx, orch, logger); err != nil {
		return err
	}

	var report *orchestrator.Report
	if c.TUI {
		report, err = c.runWithTUI(ctx, orch, h, bus, cfg.RunTimeout.D())
	} else {
		report, err = orch.Run(ctx, h, cfg.RunTimeout.D())
	}
	if report != nil {
		if perr := c.printer().PrintReport(*report); perr != nil {
			return fmt.Errorf("could not print report: %w", perr)
		}
	}
	if err != nil {
		return err
	}
	if report == nil {
		return nil
	}
	return report.Err()
}

// config applies the run flags over the loaded config.
func (c RunCommand) config() (*config.Config, error) {
	cfg := *c.rootCmd.Config
	if c.agents > 0 {
		cfg.Agents = c.agents
	}
	if c.timeout > 0 {
		cfg.RunTimeout = config.Duration(c.timeout)
	}
	if c.handlerKind != "" {
		cfg.Handler.Kind = c.handlerKind
	}
	if c.command != "" {
		cfg.Handler.Command = c.command
	}
	if len(c.args) > 0 {
		cfg.Handler.Args = c.args
	}
	if c.failPercent >= 0 {
		cfg.Handler.FailPercent = c.failPercent
	}
	if c.noRepo {
		cfg.NoRepo = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run options: %w", err)
	}
	return &cfg, nil
}

func (c RunCommand) seedTasks(ctx context.Context, orch *orchestrator.Orchestrator, logger log.Logger) error {
	if c.tasksPath != "" {
		repo := taskfile.NewRepository(os.DirFS(filepath.Dir(c.tasksPath)))
		list, err := repo.Load(ctx, filepath.Base(c.tasksPath))
		if err != nil {
			return fmt.Errorf("could not load task file: %w", err)
		}
		if _, err := orch.AddTasks(ctx, list.Specs); err != nil {
			return fmt.Errorf("could not add tasks: %w", err)
		}
		logger.Infof("Added %d tasks from %s", len(list.Specs), c.tasksPath)
		return nil
	}

	stats, err := orch.Stats(ctx)
	if err != nil {
		return fmt.Errorf("could not read pool stats: %w", err)
	}
	if stats.Total > 0 {
		logger.Infof("Pool already holds %d tasks, not seeding", stats.Total)
		return nil
	}

	specs := demoTasks()
	if _, err := orch.AddTasks(ctx, specs); err != nil {
		return fmt.Errorf("could not add demo tasks: %w", err)
	}
	logger.Infof("Seeded %d demo tasks", len(specs))
	return nil
}

// runWithTUI runs the team and the terminal view side by side. Quitting the
// view stops the run; a finished run keeps the view open until it is quit.
func (c RunCommand) runWithTUI(ctx context.Context, orch *orchestrator.Orchestrator, h orchestrator.Handler, bus *events.EventBus, timeout time.Duration) (*orchestrator.Report, error) {
	var roster []tui.AgentInfo
	for _, a := range orch.Agents() {
		roster = append(roster, tui.AgentInfo{ID: a.ID, Role: a.Role})
	}
	program := tea.NewProgram(tui.New(bus, roster), tea.WithAltScreen(), tea.WithContext(ctx))

	var (
		g      run.Group
		report *orchestrator.Report
	)

	// Team.
	{
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				var err error
				report, err = orch.Run(runCtx, h, timeout)
				bus.Close()
				if err != nil {
					return err
				}
				<-runCtx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Terminal view.
	{
		g.Add(
			func() error {
				_, err := program.Run()
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("terminal view failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				program.Quit()
			},
		)
	}

	err := g.Run()
	return report, err
}

func (c RunCommand) printer() printer.Printer {
	if c.format == "json" {
		return printer.NewJSONPrinter(c.rootCmd.Stdout)
	}
	return printer.NewTablePrinter(c.rootCmd.Stdout)
}

// newHandler builds the configured task handler. The process manager is nil
// for handlers that start no processes.
func newHandler(cfg *config.Config, logger log.Logger) (orchestrator.Handler, *handler.ProcessManager, error) {
	switch cfg.Handler.Kind {
	case config.HandlerCommand:
		processes := handler.NewProcessManager()
		h, err := handler.NewCommand(handler.CommandConfig{
			Path:      cfg.Handler.Command,
			Args:      cfg.Handler.Args,
			Processes: processes,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create command handler: %w", err)
		}
		return h, processes, nil
	default:
		return handler.NewDemo(cfg.Handler.FailPercent), nil, nil
	}
}
