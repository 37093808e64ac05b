package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/aristath/agentteam/internal/config"
)

type ConfigInitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	force bool
}

// NewConfigInitCommand returns the config init command.
func NewConfigInitCommand(rootCmd *RootCommand, configCmd *kingpin.CmdClause) *ConfigInitCommand {
	c := &ConfigInitCommand{rootCmd: rootCmd}

	c.Cmd = configCmd.Command("init", "Write the default config to the project config file.")
	c.Cmd.Flag("force", "Overwrite an existing file.").BoolVar(&c.force)

	return c
}

func (c ConfigInitCommand) Name() string { return c.Cmd.FullCommand() }

func (c ConfigInitCommand) Run(ctx context.Context) error {
	path := c.rootCmd.ConfigPath
	if _, err := os.Stat(path); err == nil && !c.force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}
	c.rootCmd.Logger.Infof("Wrote default config to %s", path)
	return nil
}

type ConfigShowCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewConfigShowCommand returns the config show command.
func NewConfigShowCommand(rootCmd *RootCommand, configCmd *kingpin.CmdClause) *ConfigShowCommand {
	c := &ConfigShowCommand{rootCmd: rootCmd}
	c.Cmd = configCmd.Command("show", "Print the effective config.")
	return c
}

func (c ConfigShowCommand) Name() string { return c.Cmd.FullCommand() }

func (c ConfigShowCommand) Run(ctx context.Context) error {
	enc := json.NewEncoder(c.rootCmd.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(c.rootCmd.Config)
}
