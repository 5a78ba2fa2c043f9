package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// NewInstallationCommand returns the parent command of the installation subcommands.
func NewInstallationCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("installation", "Manage installations.")
}

type InstallationListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewInstallationListCommand returns the installation list command.
func NewInstallationListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *InstallationListCommand {
	c := &InstallationListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List the known installations.")
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c InstallationListCommand) Name() string { return c.Cmd.FullCommand() }

func (c InstallationListCommand) Run(ctx context.Context) error {
	reg, err := c.rootCmd.newRegistry()
	if err != nil {
		return err
	}

	if err := newPrinter(c.format, c.rootCmd.Stdout).PrintInstallations(reg.List()); err != nil {
		return fmt.Errorf("could not print installations: %w", err)
	}

	return nil
}

type InstallationInitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	name string
}

// NewInstallationInitCommand returns the installation init command.
func NewInstallationInitCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *InstallationInitCommand {
	c := &InstallationInitCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("init", "Create the package store of a known installation.")
	c.Cmd.Arg("name", "Installation name.").Required().StringVar(&c.name)

	return c
}

func (c InstallationInitCommand) Name() string { return c.Cmd.FullCommand() }

func (c InstallationInitCommand) Run(ctx context.Context) error {
	reg, err := c.rootCmd.newRegistry()
	if err != nil {
		return err
	}

	inst, err := reg.Get(c.name)
	if err != nil {
		return err
	}

	b, err := c.rootCmd.newBackend()
	if err != nil {
		return err
	}

	h, err := b.Init(ctx, inst, inst.Path)
	if err != nil {
		return fmt.Errorf("could not initialize installation %q: %w", inst.Name, err)
	}
	defer h.Close()

	return newPrinter(formatTable, c.rootCmd.Stdout).PrintMessage(fmt.Sprintf("Installation %q initialized at %s", inst.Name, inst.Path))
}
