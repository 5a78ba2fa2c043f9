package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/executor"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/metrics"
	"github.com/slok/pkgworker/internal/model"
)

// InstallationResolver resolves installation descriptors into backend handles.
type InstallationResolver interface {
	Resolve(ctx context.Context, inst model.Installation) (backend.Installation, error)
}

// TransactionExecutor runs mutating transactions.
type TransactionExecutor interface {
	Run(ctx context.Context, task model.Task, inst backend.Installation, emit executor.EmitFunc) model.TaskResult
}

// DryRunSimulator forecasts transactions.
type DryRunSimulator interface {
	Simulate(ctx context.Context, task model.Task, inst backend.Installation) model.TaskResult
}

// AppstreamRefresher runs the application metadata synchronization tasks.
type AppstreamRefresher interface {
	Run(ctx context.Context, task model.Task, inst backend.Installation) model.TaskResult
}

// DispatcherConfig is the configuration for the task dispatcher.
type DispatcherConfig struct {
	Resolver        InstallationResolver
	Executor        TransactionExecutor
	Simulator       DryRunSimulator
	Appstream       AppstreamRefresher
	Sink            Sink
	MetricsRecorder metrics.Recorder
	// IDGenerator returns the identifiers of the submitted tasks, they must be unique.
	IDGenerator func() string
	Logger      log.Logger
}

func (c *DispatcherConfig) defaults() error {
	if c.Resolver == nil {
		return fmt.Errorf("installation resolver is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Simulator == nil {
		return fmt.Errorf("simulator is required")
	}
	if c.Appstream == nil {
		return fmt.Errorf("appstream refresher is required")
	}
	if c.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Noop
	}
	if c.IDGenerator == nil {
		c.IDGenerator = func() string { return ulid.Make().String() }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatcher.Dispatcher"})
	return nil
}

// slot is an in-flight task.
type slot struct {
	task      model.Task
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	finished  bool
}

// Dispatcher owns the in-flight tasks: it runs each one on its own goroutine, routes
// it to the executor, the simulator or the appstream refresher and delivers its
// updates and exactly one result through the sink.
type Dispatcher struct {
	resolver  InstallationResolver
	executor  TransactionExecutor
	simulator DryRunSimulator
	appstream AppstreamRefresher
	metrics   metrics.Recorder
	newID     func() string
	outbox    *outbox
	logger    log.Logger

	tasks  map[string]*slot
	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// NewDispatcher creates a new dispatcher, Close must be called to release it.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dispatcher{
		resolver:  cfg.Resolver,
		executor:  cfg.Executor,
		simulator: cfg.Simulator,
		appstream: cfg.Appstream,
		metrics:   cfg.MetricsRecorder,
		newID:     cfg.IDGenerator,
		outbox:    newOutbox(cfg.Sink, cfg.Logger),
		logger:    cfg.Logger,
		tasks:     map[string]*slot{},
	}, nil
}

// Submit validates the task and schedules its execution, returning its identifier.
// It never blocks on the task execution.
func (d *Dispatcher) Submit(ctx context.Context, task model.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", fmt.Errorf("invalid task: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", fmt.Errorf("dispatcher is closed: %w", model.ErrNotValid)
	}

	id := d.newID()
	if _, ok := d.tasks[id]; ok {
		return "", fmt.Errorf("task %s: %w", id, model.ErrAlreadyExists)
	}
	task.ID = id

	// The cancel handle is registered before the task starts so a cancellation right
	// after submission is never lost.
	slotCtx := log.CtxWithValues(context.Background(), log.Kv{"task-id": id, "kind": task.Kind})
	slotCtx, cancel := context.WithCancel(slotCtx)
	s := &slot{task: task, ctx: slotCtx, cancel: cancel}
	d.tasks[id] = s
	d.wg.Add(1)

	d.metrics.ObserveTaskSubmitted(ctx, task.Kind, task.DryRun)
	d.logger.WithCtxValues(slotCtx).Infof("Task accepted")

	go d.run(s)

	return id, nil
}

// Cancel requests the cooperative cancellation of an in-flight task. Once accepted no
// more updates of the task are delivered.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.tasks[id]
	if !ok {
		d.metrics.ObserveTaskCancel(ctx, false)
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	if s.task.Uncancellable {
		d.metrics.ObserveTaskCancel(ctx, false)
		return fmt.Errorf("task %s: %w", id, model.ErrNotCancellable)
	}

	if !s.cancelled {
		s.cancelled = true
		s.cancel()
		d.logger.WithCtxValues(s.ctx).Infof("Task cancellation requested")
	}
	d.metrics.ObserveTaskCancel(ctx, true)

	return nil
}

// InFlight returns the identifiers of the tasks not finished yet.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every submitted task has its result queued.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close rejects new tasks, cancels the in-flight ones and returns once their
// results have been delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, s := range d.tasks {
		s.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.outbox.close()
}

func (d *Dispatcher) run(s *slot) {
	defer d.wg.Done()
	defer s.cancel()

	start := time.Now()
	d.metrics.ObserveTaskStarted(s.ctx, s.task.Kind)

	res := d.execute(s)
	res = d.finish(s, res)

	d.metrics.ObserveTaskFinished(s.ctx, s.task.Kind, res.Kind, time.Since(start))
	d.logger.WithCtxValues(s.ctx).Infof("Task finished with %s result in %s", res.Kind, time.Since(start))
}

func (d *Dispatcher) execute(s *slot) (res model.TaskResult) {
	ctx := s.ctx
	logger := d.logger.WithCtxValues(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Task panicked: %v", r)
			res = model.NewErrorResult(model.TaskError{Kind: model.ErrorKindBackend, Message: fmt.Sprintf("task panicked: %v", r)})
		}
	}()

	inst, err := d.resolver.Resolve(ctx, s.task.Installation)
	if err != nil {
		logger.Warningf("Could not resolve installation: %s", err)
		return model.NewErrorResult(backend.ClassifyError(err, false))
	}
	defer func() {
		if err := inst.Close(); err != nil {
			logger.Warningf("Could not close installation: %s", err)
		}
	}()

	switch {
	case s.task.Kind.IsAppstream():
		return d.appstream.Run(ctx, s.task, inst)
	case s.task.DryRun:
		return d.simulator.Simulate(ctx, s.task, inst)
	default:
		return d.executor.Run(ctx, s.task, inst, func(u model.TaskUpdate) { d.emit(s, u) })
	}
}

// emit queues an update unless the task is finished or its cancellation was accepted.
func (d *Dispatcher) emit(s *slot, u model.TaskUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.finished || s.cancelled {
		return
	}
	d.outbox.push(model.TaskMessage{TaskID: s.task.ID, Update: &u})
}

// finish queues the task result, exactly once, and forgets the task.
func (d *Dispatcher) finish(s *slot, res model.TaskResult) model.TaskResult {
	res = normalizeResult(s.task, res)

	d.mu.Lock()
	defer d.mu.Unlock()

	s.finished = true
	delete(d.tasks, s.task.ID)
	d.outbox.push(model.TaskMessage{TaskID: s.task.ID, Result: &res})

	return res
}

// normalizeResult keeps the result kind coherent with the task mode.
func normalizeResult(task model.Task, res model.TaskResult) model.TaskResult {
	switch {
	case task.DryRun && res.Kind == model.ResultKindDone:
		return model.NewDryRunResult(model.DryRunForecast{})
	case !task.DryRun && res.Kind == model.ResultKindDoneDryRun:
		return model.NewDoneResult()
	}
	return res
}
