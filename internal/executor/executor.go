package executor

import (
	"context"
	"fmt"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
	"github.com/slok/pkgworker/internal/progress"
)

// EmitFunc receives the updates of a running task. It must not block.
type EmitFunc func(model.TaskUpdate)

// ExecutorConfig is the configuration for the transaction executor.
type ExecutorConfig struct {
	Logger log.Logger
}

func (c *ExecutorConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "executor.Executor"})
	return nil
}

// Executor runs transactions in real (mutating) mode.
type Executor struct {
	logger log.Logger
}

// NewExecutor creates a new transaction executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Executor{logger: cfg.Logger}, nil
}

// Run applies the transaction implied by the task on the installation, emitting an
// update per operation transition, and returns the task result.
func (e *Executor) Run(ctx context.Context, task model.Task, inst backend.Installation, emit EmitFunc) model.TaskResult {
	logger := e.logger.WithCtxValues(ctx)

	tx, err := inst.NewTransaction(ctx)
	if err != nil {
		return errorResult(fmt.Errorf("could not create transaction: %w", err))
	}

	if err := backend.BuildTransaction(ctx, tx, task, inst); err != nil {
		return errorResult(fmt.Errorf("could not build transaction: %w", err))
	}

	tracker := progress.NewTracker(nil)
	var current *backend.Operation

	// Operations are only known once the backend resolves the transaction.
	track := func(op backend.Operation) bool {
		if !tracker.Knows(op) {
			tracker.Reset(tx.Operations())
		}
		return tracker.Knows(op)
	}

	send := func(u model.TaskUpdate, err error) {
		if err != nil {
			logger.Warningf("Dropping update: %s", err)
			return
		}
		emit(u)
	}

	tx.SetHooks(backend.Hooks{
		NewOperation: func(op backend.Operation) {
			if !track(op) {
				logger.Warningf("Unknown operation started: %s", op.ID())
				return
			}
			current = &op
			logger.Debugf("Operation %s started", op.ID())
			send(tracker.Pending(op))
		},
		OperationProgress: func(ev backend.ProgressEvent) {
			if !track(ev.Operation) {
				return
			}
			send(tracker.Progress(ev))
		},
		OperationDone: func(op backend.Operation) {
			if !track(op) {
				return
			}
			current = nil
			logger.Debugf("Operation %s done", op.ID())
			send(tracker.Done(op))
		},
		AddNewRemote: func(r model.Remote) bool {
			logger.Infof("Adding new remote %s (%s) required by the transaction", r.Name, r.URL)
			return true
		},
	})

	if err := tx.Run(ctx); err != nil {
		res := errorResult(err)
		if res.Kind == model.ResultKindError && current != nil {
			send(tracker.Failed(*current))
		}
		return res
	}

	logger.Infof("Transaction applied with %d operations", tracker.Len())
	return model.NewDoneResult()
}

func errorResult(err error) model.TaskResult {
	return model.NewErrorResult(backend.ClassifyError(err, false))
}
