package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/slok/pkgworker/internal/log"
)

// ServerConfig is the configuration of the unix socket server.
type ServerConfig struct {
	// SocketPath is where the server listens, ignored when Listener is set.
	SocketPath    string
	Listener      net.Listener
	NewDispatcher DispatcherFactory
	Installations InstallationLister
	Logger        log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.SocketPath == "" && c.Listener == nil {
		return fmt.Errorf("socket path is required")
	}
	if c.NewDispatcher == nil {
		return fmt.Errorf("dispatcher factory is required")
	}
	if c.Installations == nil {
		return fmt.Errorf("installation lister is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ipc.Server"})
	return nil
}

// Server serves IPC sessions over a unix socket, one session with its own dispatcher
// per connection.
type Server struct {
	cfg    ServerConfig
	logger log.Logger
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// Run accepts connections until ctx is done, then cancels the running sessions and
// waits for them.
func (s *Server) Run(ctx context.Context) error {
	l := s.cfg.Listener
	if l == nil {
		var err error
		l, err = listen(s.cfg.SocketPath)
		if err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	s.logger.Infof("Listening on %s", l.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Infof("Stopped listening")
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger.WithValues(log.Kv{"conn": fmt.Sprintf("%p", conn)})
	logger.Debugf("Session started")

	sess, err := NewSession(SessionConfig{
		Reader:        conn,
		Writer:        conn,
		NewDispatcher: s.cfg.NewDispatcher,
		Installations: s.cfg.Installations,
		Logger:        logger,
	})
	if err != nil {
		logger.Errorf("Could not create session: %s", err)
		return
	}

	if err := sess.Run(ctx); err != nil {
		logger.Warningf("Session ended with error: %s", err)
		return
	}
	logger.Debugf("Session ended")
}

// listen listens on a unix socket, replacing a stale socket file.
func listen(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("could not remove stale socket: %w", err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", path, err)
	}
	return l, nil
}
