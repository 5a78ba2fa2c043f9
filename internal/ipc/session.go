package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/slok/pkgworker/internal/dispatcher"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// TaskDispatcher runs the tasks of a session.
type TaskDispatcher interface {
	Submit(ctx context.Context, task model.Task) (string, error)
	Cancel(ctx context.Context, id string) error
	Wait()
	Close()
}

// DispatcherFactory creates the dispatcher of a session delivering its task messages to sink.
type DispatcherFactory func(sink dispatcher.Sink) (TaskDispatcher, error)

// InstallationLister lists the installations known by the worker.
type InstallationLister interface {
	List() []model.Installation
}

// SessionConfig is the configuration of an IPC session.
type SessionConfig struct {
	Reader        io.Reader
	Writer        io.Writer
	NewDispatcher DispatcherFactory
	Installations InstallationLister
	Logger        log.Logger
}

func (c *SessionConfig) defaults() error {
	if c.Reader == nil {
		return fmt.Errorf("reader is required")
	}
	if c.Writer == nil {
		return fmt.Errorf("writer is required")
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ipc.Session"})
	return nil
}

// Session serves the requests of one caller over a JSON-lines stream.
type Session struct {
	reader        io.Reader
	enc           *Encoder
	newDispatcher DispatcherFactory
	installations InstallationLister
	logger        log.Logger

	// mu orders the writes: a task is accepted before any of its messages is written.
	mu sync.Mutex
}

// NewSession creates a new IPC session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Session{
		reader:        cfg.Reader,
		enc:           NewEncoder(cfg.Writer),
		newDispatcher: cfg.NewDispatcher,
		installations: cfg.Installations,
		logger:        cfg.Logger,
	}, nil
}

// Run serves requests until the input ends or ctx is done. When the input ends the
// in-flight tasks are drained, when ctx is done they are cancelled.
func (s *Session) Run(ctx context.Context) error {
	d, err := s.newDispatcher(dispatcher.SinkFunc(s.sendTaskMessage))
	if err != nil {
		return fmt.Errorf("could not create dispatcher: %w", err)
	}
	defer d.Close()

	errC := make(chan error, 1)
	go func() {
		errC <- s.serve(ctx, d)
	}()

	select {
	case err := <-errC:
		if err != nil {
			return err
		}
		s.logger.Debugf("Input closed, waiting for in-flight tasks")
		d.Wait()
		return nil
	case <-ctx.Done():
		if c, ok := s.reader.(io.Closer); ok {
			_ = c.Close()
		}
		return nil
	}
}

func (s *Session) serve(ctx context.Context, d TaskDispatcher) error {
	dec := NewDecoder(s.reader)
	for {
		msg, err := dec.Decode()
		switch {
		case err == nil:
			s.handle(ctx, d, msg)
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, model.ErrNotValid):
			s.logger.Warningf("Invalid message: %s", err)
			s.reply(errorReply("", err))
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("could not read message: %w", err)
		}
	}
}

func (s *Session) handle(ctx context.Context, d TaskDispatcher, msg Inbound) {
	logger := s.logger.WithValues(log.Kv{"request-id": msg.RequestID, "type": msg.Type})

	switch msg.Type {
	case TypeSubmit:
		if msg.Request == nil {
			s.reply(errorReply(msg.RequestID, fmt.Errorf("submit without request: %w", model.ErrNotValid)))
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		id, err := d.Submit(ctx, msg.Request.Task())
		if err != nil {
			logger.Warningf("Task rejected: %s", err)
			s.write(errorReply(msg.RequestID, err))
			return
		}
		s.write(Outbound{Type: TypeAccepted, RequestID: msg.RequestID, TaskID: id})

	case TypeCancel:
		if err := d.Cancel(ctx, msg.TaskID); err != nil {
			logger.Warningf("Cancellation rejected: %s", err)
			s.reply(errorReply(msg.RequestID, err))
			return
		}
		s.reply(Outbound{Type: TypeAccepted, RequestID: msg.RequestID, TaskID: msg.TaskID})

	case TypeInstallations:
		s.reply(Outbound{Type: TypeInstallations, RequestID: msg.RequestID, Installations: NewInstallations(s.installations.List())})

	default:
		s.reply(errorReply(msg.RequestID, fmt.Errorf("unknown message type %q: %w", msg.Type, model.ErrNotValid)))
	}
}

func (s *Session) sendTaskMessage(msg model.TaskMessage) error {
	out := Outbound{TaskID: msg.TaskID}
	switch {
	case msg.Result != nil:
		r := NewTaskResult(*msg.Result)
		out.Type = TypeResult
		out.Result = &r
	case msg.Update != nil:
		u := NewTaskUpdate(*msg.Update)
		out.Type = TypeUpdate
		out.Update = &u
	default:
		return fmt.Errorf("empty task message: %w", model.ErrNotValid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(out)
}

func (s *Session) reply(msg Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(msg)
}

// write must be called with the write lock held.
func (s *Session) write(msg Outbound) {
	if err := s.enc.Encode(msg); err != nil {
		s.logger.Errorf("Could not write %s message: %s", msg.Type, err)
	}
}

func errorReply(requestID string, err error) Outbound {
	code := ErrorCodeInternal
	switch {
	case errors.Is(err, model.ErrNotValid):
		code = ErrorCodeNotValid
	case errors.Is(err, model.ErrNotFound):
		code = ErrorCodeNotFound
	case errors.Is(err, model.ErrNotCancellable):
		code = ErrorCodeNotCancellable
	}

	return Outbound{Type: TypeError, RequestID: requestID, Error: &Error{Code: code, Message: err.Error()}}
}
