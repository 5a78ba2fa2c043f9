package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/pkgworker/internal/appstream"
	"github.com/slok/pkgworker/internal/backend/local"
	"github.com/slok/pkgworker/internal/conventions"
	"github.com/slok/pkgworker/internal/dispatcher"
	"github.com/slok/pkgworker/internal/dryrun"
	"github.com/slok/pkgworker/internal/executor"
	"github.com/slok/pkgworker/internal/installation"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/metrics"
	"github.com/slok/pkgworker/internal/printer"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"

	formatTable = "table"
	formatJSON  = "json"
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
	SystemPath string
	UserPath   string
	ConfigDir  string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("system-path", "Location of the system-wide installation.").Default(conventions.DefaultSystemPath).StringVar(&c.SystemPath)
	app.Flag("user-path", "Location of the per-user installation.").Default(conventions.UserPath(homedir.HomeDir())).StringVar(&c.UserPath)
	app.Flag("config-dir", "Directory with the custom installation descriptors.").Default(conventions.DefaultConfigDir).StringVar(&c.ConfigDir)

	return c
}

func (r *RootCommand) newRegistry() (*installation.Registry, error) {
	reg, err := installation.NewRegistry(installation.RegistryConfig{
		ConfigDir:  r.ConfigDir,
		SystemPath: r.SystemPath,
		UserPath:   r.UserPath,
		Logger:     r.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create installation registry: %w", err)
	}
	return reg, nil
}

func (r *RootCommand) newBackend() (*local.Backend, error) {
	b, err := local.NewBackend(local.BackendConfig{Logger: r.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create backend: %w", err)
	}
	return b, nil
}

func (r *RootCommand) newResolver() (*installation.Resolver, error) {
	b, err := r.newBackend()
	if err != nil {
		return nil, err
	}

	res, err := installation.NewResolver(installation.ResolverConfig{
		Backend:    b,
		SystemPath: r.SystemPath,
		UserPath:   r.UserPath,
		Logger:     r.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create installation resolver: %w", err)
	}
	return res, nil
}

// engine has the task engine components, shared by every dispatcher of the process.
type engine struct {
	resolver  *installation.Resolver
	executor  *executor.Executor
	simulator *dryrun.Simulator
	refresher *appstream.Refresher
	metrics   metrics.Recorder
	logger    log.Logger
}

func (r *RootCommand) newEngine(rec metrics.Recorder) (*engine, error) {
	resolver, err := r.newResolver()
	if err != nil {
		return nil, err
	}

	exec, err := executor.NewExecutor(executor.ExecutorConfig{Logger: r.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create executor: %w", err)
	}

	lookup, err := appstream.NewLookup(appstream.LookupConfig{Logger: r.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create metadata lookup: %w", err)
	}

	sim, err := dryrun.NewSimulator(dryrun.SimulatorConfig{Lookup: lookup, Logger: r.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create simulator: %w", err)
	}

	refresher, err := appstream.NewRefresher(appstream.RefresherConfig{Logger: r.Logger})
	if err != nil {
		return nil, fmt.Errorf("could not create appstream refresher: %w", err)
	}

	return &engine{
		resolver:  resolver,
		executor:  exec,
		simulator: sim,
		refresher: refresher,
		metrics:   rec,
		logger:    r.Logger,
	}, nil
}

func (e *engine) newDispatcher(sink dispatcher.Sink) (*dispatcher.Dispatcher, error) {
	d, err := dispatcher.NewDispatcher(dispatcher.DispatcherConfig{
		Resolver:        e.resolver,
		Executor:        e.executor,
		Simulator:       e.simulator,
		Appstream:       e.refresher,
		Sink:            sink,
		MetricsRecorder: e.metrics,
		Logger:          e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create dispatcher: %w", err)
	}
	return d, nil
}

func newPrinter(format string, w io.Writer) printer.Printer {
	switch format {
	case formatJSON:
		return printer.NewJSONPrinter(w)
	default:
		return printer.NewTablePrinter(w)
	}
}
