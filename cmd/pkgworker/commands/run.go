package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/pkgworker/internal/dispatcher"
	"github.com/slok/pkgworker/internal/metrics"
	"github.com/slok/pkgworker/internal/model"
)

// RunCommand runs a single task in process, printing its updates and result.
type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	kind                   string
	installation           string
	ref                    string
	remote                 string
	bundlePath             string
	dryRun                 bool
	uninstallBeforeInstall bool
	format                 string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	kinds := make([]string, 0, len(model.TaskKinds))
	for _, k := range model.TaskKinds {
		kinds = append(kinds, string(k))
	}

	c.Cmd = app.Command("run", "Run a single task.")
	c.Cmd.Arg("kind", "Task kind.").Required().EnumVar(&c.kind, kinds...)
	c.Cmd.Flag("installation", "Target installation name.").Short('i').Default(model.SystemInstallationName).StringVar(&c.installation)
	c.Cmd.Flag("ref", "Package ref (e.g. app/org.example.Foo/x86_64/stable).").StringVar(&c.ref)
	c.Cmd.Flag("remote", "Remote to install the ref from.").StringVar(&c.remote)
	c.Cmd.Flag("bundle", "Bundle file to install.").StringVar(&c.bundlePath)
	c.Cmd.Flag("dry-run", "Forecast the task without applying any change.").BoolVar(&c.dryRun)
	c.Cmd.Flag("uninstall-before-install", "Uninstall the ref installed from another remote before installing it.").BoolVar(&c.uninstallBeforeInstall)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	reg, err := c.rootCmd.newRegistry()
	if err != nil {
		return err
	}

	inst, err := reg.Get(c.installation)
	if err != nil {
		return err
	}

	eng, err := c.rootCmd.newEngine(metrics.Noop)
	if err != nil {
		return err
	}

	p := newPrinter(c.format, c.rootCmd.Stdout)
	results := make(chan model.TaskResult, 1)
	d, err := eng.newDispatcher(dispatcher.SinkFunc(func(msg model.TaskMessage) error {
		switch {
		case msg.Update != nil:
			return p.PrintUpdate(*msg.Update)
		case msg.Result != nil:
			results <- *msg.Result
		}
		return nil
	}))
	if err != nil {
		return err
	}
	defer d.Close()

	id, err := d.Submit(ctx, model.Task{
		Kind:                   model.TaskKind(c.kind),
		Installation:           inst,
		DryRun:                 c.dryRun,
		Ref:                    c.ref,
		Remote:                 c.remote,
		Path:                   c.bundlePath,
		UninstallBeforeInstall: c.uninstallBeforeInstall,
	})
	if err != nil {
		return err
	}

	var res model.TaskResult
	select {
	case res = <-results:
	case <-ctx.Done():
		c.rootCmd.Logger.Infof("Cancelling task %s", id)
		if err := d.Cancel(context.Background(), id); err != nil {
			c.rootCmd.Logger.Warningf("Could not cancel task: %s", err)
		}
		res = <-results
	}

	if err := p.PrintResult(res); err != nil {
		return fmt.Errorf("could not print result: %w", err)
	}

	if res.Kind == model.ResultKindError && res.Error != nil {
		return fmt.Errorf("task failed: %w", *res.Error)
	}

	return nil
}
