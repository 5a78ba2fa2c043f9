package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slok/pkgworker/internal/dispatcher"
	"github.com/slok/pkgworker/internal/ipc"
	"github.com/slok/pkgworker/internal/metrics"
	metricsprometheus "github.com/slok/pkgworker/internal/metrics/prometheus"
)

// ServeCommand runs the worker, serving task requests over stdio or a unix socket.
type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	socketPath         string
	metricsListenAddr  string
	metricsPath        string
	disableConfigWatch bool
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the worker serving JSON-lines requests on stdin/stdout or a unix socket.")
	c.Cmd.Flag("socket", "Serve on this unix socket instead of stdin/stdout.").StringVar(&c.socketPath)
	c.Cmd.Flag("metrics-listen-address", "Serve Prometheus metrics on this address, disabled when empty.").StringVar(&c.metricsListenAddr)
	c.Cmd.Flag("metrics-path", "Path of the metrics endpoint.").Default("/metrics").StringVar(&c.metricsPath)
	c.Cmd.Flag("disable-config-watch", "Don't reload the installation descriptors when they change.").BoolVar(&c.disableConfigWatch)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	reg, err := c.rootCmd.newRegistry()
	if err != nil {
		return err
	}

	var rec metrics.Recorder = metrics.Noop
	if c.metricsListenAddr != "" {
		rec = metricsprometheus.NewRecorder(prometheus.DefaultRegisterer)
	}

	eng, err := c.rootCmd.newEngine(rec)
	if err != nil {
		return err
	}
	newDispatcher := func(sink dispatcher.Sink) (ipc.TaskDispatcher, error) {
		return eng.newDispatcher(sink)
	}

	var g run.Group

	// IPC.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if c.socketPath != "" {
			srv, err := ipc.NewServer(ipc.ServerConfig{
				SocketPath:    c.socketPath,
				NewDispatcher: newDispatcher,
				Installations: reg,
				Logger:        logger,
			})
			if err != nil {
				return fmt.Errorf("could not create IPC server: %w", err)
			}
			g.Add(
				func() error {
					return srv.Run(ctx)
				},
				func(_ error) {
					cancel()
				},
			)
		} else {
			sess, err := ipc.NewSession(ipc.SessionConfig{
				Reader:        c.rootCmd.Stdin,
				Writer:        c.rootCmd.Stdout,
				NewDispatcher: newDispatcher,
				Installations: reg,
				Logger:        logger,
			})
			if err != nil {
				return fmt.Errorf("could not create IPC session: %w", err)
			}
			g.Add(
				func() error {
					logger.Infof("Serving requests on stdin")
					return sess.Run(ctx)
				},
				func(_ error) {
					cancel()
				},
			)
		}
	}

	// Installation descriptors hot reload.
	if !c.disableConfigWatch {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return reg.Watch(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Metrics.
	if c.metricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(c.metricsPath, promhttp.Handler())
		server := &http.Server{Addr: c.metricsListenAddr, Handler: mux}

		g.Add(
			func() error {
				logger.Infof("Metrics listening on %s", c.metricsListenAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server error: %w", err)
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					logger.Errorf("Could not shut down metrics server: %s", err)
				}
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
