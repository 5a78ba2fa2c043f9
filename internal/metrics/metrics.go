package metrics

import (
	"context"
	"time"

	"github.com/slok/pkgworker/internal/model"
)

// Recorder knows how to record the worker metrics.
type Recorder interface {
	ObserveTaskSubmitted(ctx context.Context, kind model.TaskKind, dryRun bool)
	ObserveTaskStarted(ctx context.Context, kind model.TaskKind)
	ObserveTaskFinished(ctx context.Context, kind model.TaskKind, result model.ResultKind, duration time.Duration)
	ObserveTaskCancel(ctx context.Context, accepted bool)
}

// Noop is a recorder that doesn't record anything.
const Noop = noop(0)

type noop int

func (noop) ObserveTaskSubmitted(context.Context, model.TaskKind, bool) {}
func (noop) ObserveTaskStarted(context.Context, model.TaskKind)         {}
func (noop) ObserveTaskFinished(context.Context, model.TaskKind, model.ResultKind, time.Duration) {
}
func (noop) ObserveTaskCancel(context.Context, bool) {}
