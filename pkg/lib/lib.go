package lib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/slok/pkgworker/internal/ipc"
	"github.com/slok/pkgworker/pkg/lib/log"
)

// Config is the configuration for creating a new [Client].
type Config struct {
	// SocketPath is the unix socket of a worker started with `pkgworker serve --socket`.
	SocketPath string
	// Conn is an already established connection to a worker (e.g the stdio of a
	// child process). When set, SocketPath is ignored.
	Conn io.ReadWriteCloser
	// Logger for SDK operations. Defaults to [log.Noop].
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Conn == nil && c.SocketPath == "" {
		return fmt.Errorf("socket path or connection is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "lib.Client"})

	return nil
}

// Client is a connection to a worker. Create one with [New].
type Client struct {
	conn   io.ReadWriteCloser
	logger log.Logger
	nextID atomic.Uint64

	encMu sync.Mutex
	enc   *json.Encoder

	mu      sync.Mutex
	pending map[string]pendingRequest
	tasks   map[string]*taskState
	readErr error
	done    chan struct{}
}

type pendingRequest struct {
	reply  chan ipc.Outbound
	submit bool
}

type taskState struct {
	updates []TaskUpdate
	result  *TaskResult
	notify  chan struct{}
}

// New connects to a worker and starts reading its messages.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn := cfg.Conn
	if conn == nil {
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("could not connect to worker: %w", err)
		}
		conn = c
	}

	c := &Client{
		conn:    conn,
		logger:  cfg.Logger,
		enc:     json.NewEncoder(conn),
		pending: map[string]pendingRequest{},
		tasks:   map[string]*taskState{},
		done:    make(chan struct{}),
	}
	go c.read()

	return c, nil
}

// Close closes the connection. The worker cancels the tasks that are still running.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Submit sends a task request and returns the task ID once the worker accepts it.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	reply, err := c.request(ctx, ipc.Inbound{Type: ipc.TypeSubmit, Request: &req})
	if err != nil {
		return "", err
	}
	return reply.TaskID, nil
}

// Cancel requests the cancellation of a running task.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	_, err := c.request(ctx, ipc.Inbound{Type: ipc.TypeCancel, TaskID: taskID})
	return err
}

// Installations returns the installations known by the worker.
func (c *Client) Installations(ctx context.Context) ([]Installation, error) {
	reply, err := c.request(ctx, ipc.Inbound{Type: ipc.TypeInstallations})
	if err != nil {
		return nil, err
	}
	return reply.Installations, nil
}

// Wait blocks until the task finishes and returns its result. The updates received
// in the meantime are passed to onUpdate in order, onUpdate can be nil.
// A task result can only be waited once.
func (c *Client) Wait(ctx context.Context, taskID string, onUpdate func(TaskUpdate)) (TaskResult, error) {
	for {
		c.mu.Lock()
		st, ok := c.tasks[taskID]
		if !ok {
			c.mu.Unlock()
			return TaskResult{}, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
		}
		updates := st.updates
		st.updates = nil
		result := st.result
		if result != nil {
			delete(c.tasks, taskID)
		}
		readErr := c.readErr
		c.mu.Unlock()

		if onUpdate != nil {
			for _, u := range updates {
				onUpdate(u)
			}
		}

		if result != nil {
			return *result, nil
		}
		if readErr != nil {
			return TaskResult{}, readErr
		}

		select {
		case <-st.notify:
		case <-c.done:
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}
}

// Run submits a task and waits for its result.
func (c *Client) Run(ctx context.Context, req Request, onUpdate func(TaskUpdate)) (TaskResult, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return TaskResult{}, err
	}
	return c.Wait(ctx, id, onUpdate)
}

func (c *Client) request(ctx context.Context, msg ipc.Inbound) (ipc.Outbound, error) {
	msg.RequestID = strconv.FormatUint(c.nextID.Add(1), 10)
	reply := make(chan ipc.Outbound, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return ipc.Outbound{}, err
	}
	c.pending[msg.RequestID] = pendingRequest{reply: reply, submit: msg.Type == ipc.TypeSubmit}
	c.mu.Unlock()

	c.encMu.Lock()
	err := c.enc.Encode(msg)
	c.encMu.Unlock()
	if err != nil {
		c.forget(msg.RequestID)
		return ipc.Outbound{}, fmt.Errorf("could not send %s message: %w", msg.Type, err)
	}

	select {
	case r := <-reply:
		if r.Type == ipc.TypeError {
			return ipc.Outbound{}, replyError(r.Error)
		}
		return r, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return ipc.Outbound{}, c.readErr
	case <-ctx.Done():
		c.forget(msg.RequestID)
		return ipc.Outbound{}, ctx.Err()
	}
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Client) read() {
	defer close(c.done)

	dec := json.NewDecoder(c.conn)
	for {
		var msg ipc.Outbound
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = fmt.Errorf("worker connection closed")
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		switch msg.Type {
		case ipc.TypeUpdate, ipc.TypeResult:
			c.deliver(msg)
		default:
			c.resolve(msg)
		}
	}
}

func (c *Client) resolve(msg ipc.Outbound) {
	c.mu.Lock()
	p, ok := c.pending[msg.RequestID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warningf("Ignoring %s message for unknown request %q", msg.Type, msg.RequestID)
		return
	}
	delete(c.pending, msg.RequestID)

	// Task state is registered before any task message can be read.
	if p.submit && msg.Type == ipc.TypeAccepted {
		c.tasks[msg.TaskID] = &taskState{notify: make(chan struct{}, 1)}
	}
	c.mu.Unlock()

	p.reply <- msg
}

func (c *Client) deliver(msg ipc.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.tasks[msg.TaskID]
	if !ok {
		c.logger.Debugf("Ignoring %s message for unknown task %q", msg.Type, msg.TaskID)
		return
	}

	switch {
	case msg.Result != nil:
		st.result = msg.Result
	case msg.Update != nil:
		st.updates = append(st.updates, *msg.Update)
	}

	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func replyError(e *ipc.Error) error {
	if e == nil {
		return fmt.Errorf("worker error")
	}

	switch e.Code {
	case ipc.ErrorCodeNotValid:
		return fmt.Errorf("%s: %w", e.Message, ErrNotValid)
	case ipc.ErrorCodeNotFound:
		return fmt.Errorf("%s: %w", e.Message, ErrNotFound)
	case ipc.ErrorCodeNotCancellable:
		return fmt.Errorf("%s: %w", e.Message, ErrNotCancellable)
	}

	return fmt.Errorf("worker error: %s", e.Message)
}
