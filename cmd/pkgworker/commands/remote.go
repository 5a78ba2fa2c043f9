package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/model"
)

// NewRemoteCommand returns the parent command of the remote subcommands.
func NewRemoteCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("remote", "Manage the remotes of an installation.")
}

// openInstallation resolves a known installation by name.
func (r *RootCommand) openInstallation(ctx context.Context, name string) (backend.Installation, error) {
	reg, err := r.newRegistry()
	if err != nil {
		return nil, err
	}

	inst, err := reg.Get(name)
	if err != nil {
		return nil, err
	}

	resolver, err := r.newResolver()
	if err != nil {
		return nil, err
	}

	return resolver.Resolve(ctx, inst)
}

type RemoteAddCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	installation string
	name         string
	url          string
	title        string
}

// NewRemoteAddCommand returns the remote add command.
func NewRemoteAddCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *RemoteAddCommand {
	c := &RemoteAddCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("add", "Add a remote to an installation.")
	c.Cmd.Arg("name", "Remote name.").Required().StringVar(&c.name)
	c.Cmd.Arg("url", "Remote URL (http, https, file or a local path).").Required().StringVar(&c.url)
	c.Cmd.Flag("installation", "Target installation name.").Short('i').Default(model.SystemInstallationName).StringVar(&c.installation)
	c.Cmd.Flag("title", "Remote human readable name.").StringVar(&c.title)

	return c
}

func (c RemoteAddCommand) Name() string { return c.Cmd.FullCommand() }

func (c RemoteAddCommand) Run(ctx context.Context) error {
	inst, err := c.rootCmd.openInstallation(ctx, c.installation)
	if err != nil {
		return err
	}
	defer inst.Close()

	err = inst.AddRemote(ctx, model.Remote{Name: c.name, URL: c.url, Title: c.title, Installation: inst.Info()})
	if err != nil {
		return fmt.Errorf("could not add remote: %w", err)
	}

	return newPrinter(formatTable, c.rootCmd.Stdout).PrintMessage(fmt.Sprintf("Remote %q added", c.name))
}

type RemoteListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	installation string
	format       string
}

// NewRemoteListCommand returns the remote list command.
func NewRemoteListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *RemoteListCommand {
	c := &RemoteListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List the remotes of an installation.")
	c.Cmd.Flag("installation", "Target installation name.").Short('i').Default(model.SystemInstallationName).StringVar(&c.installation)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c RemoteListCommand) Name() string { return c.Cmd.FullCommand() }

func (c RemoteListCommand) Run(ctx context.Context) error {
	inst, err := c.rootCmd.openInstallation(ctx, c.installation)
	if err != nil {
		return err
	}
	defer inst.Close()

	remotes, err := inst.ListRemotes(ctx)
	if err != nil {
		return fmt.Errorf("could not list remotes: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintRemotes(remotes)
}

type InstalledCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	installation string
	format       string
}

// NewInstalledCommand returns the installed command.
func NewInstalledCommand(rootCmd *RootCommand, app *kingpin.Application) *InstalledCommand {
	c := &InstalledCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("installed", "List the refs deployed on an installation.")
	c.Cmd.Flag("installation", "Target installation name.").Short('i').Default(model.SystemInstallationName).StringVar(&c.installation)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c InstalledCommand) Name() string { return c.Cmd.FullCommand() }

func (c InstalledCommand) Run(ctx context.Context) error {
	inst, err := c.rootCmd.openInstallation(ctx, c.installation)
	if err != nil {
		return err
	}
	defer inst.Close()

	refs, err := inst.ListInstalled(ctx)
	if err != nil {
		return fmt.Errorf("could not list installed refs: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintInstalled(refs)
}
