package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/agentteam/internal/config"
	"github.com/aristath/agentteam/internal/log"
	"github.com/aristath/agentteam/internal/persistence"
	"github.com/aristath/agentteam/internal/persistence/filestore"
	"github.com/aristath/agentteam/internal/persistence/sqlite"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	ConfigPath string
	BaseDir    string
	StoreKind  string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
	Config *config.Config
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type (overrides log.format).").EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("config", "Project config file.").Default(config.ProjectPath()).StringVar(&c.ConfigPath)
	app.Flag("base-dir", "Root directory for the pool, shared repository and workspaces.").StringVar(&c.BaseDir)
	app.Flag("store", "Claim store kind.").EnumVar(&c.StoreKind, config.StoreFS, config.StoreSQLite)

	return c
}

// LoadConfig layers the global config, the project config and the global
// flags, and validates the result.
func (c *RootCommand) LoadConfig() error {
	global, _ := config.GlobalPath() // Empty without a home directory
	cfg, err := config.Load(global, c.ConfigPath)
	if err != nil {
		return err
	}

	if c.BaseDir != "" {
		cfg.BaseDir = c.BaseDir
	}
	if c.StoreKind != "" {
		cfg.Store.Kind = c.StoreKind
	}
	switch c.LoggerType {
	case LoggerTypeJSON:
		cfg.Log.Format = config.LogJSON
	case LoggerTypeDefault:
		cfg.Log.Format = config.LogText
	}
	if c.Debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.Config = cfg
	return nil
}

// OpenStore opens the claim store selected by the config.
func (c *RootCommand) OpenStore(ctx context.Context) (persistence.ClaimStore, error) {
	if c.Config.Store.Kind == config.StoreSQLite {
		store, err := sqlite.NewStore(ctx, sqlite.StoreConfig{
			DBPath: c.Config.DBPath(),
			Logger: c.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not open sqlite store: %w", err)
		}
		return store, nil
	}

	store, err := filestore.New(filestore.Config{
		Dir:    c.Config.StoreDir(),
		Logger: c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open file store: %w", err)
	}
	return store, nil
}
