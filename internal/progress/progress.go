package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/model"
)

// Tracker converts the raw progress callbacks of one transaction into task updates.
// Operation indexes are looked up by identity on the transaction operation list, so a
// tracker must not be reused across transactions.
type Tracker struct {
	ops   []backend.Operation
	index map[string]int
	now   func() time.Time
	mu    sync.Mutex
}

// NewTracker returns a tracker for the ordered operations of a transaction.
func NewTracker(ops []backend.Operation) *Tracker {
	t := &Tracker{now: time.Now}
	t.Reset(ops)
	return t
}

// Reset sets the operation list, used when the backend discovers it after the transaction starts.
func (t *Tracker) Reset(ops []backend.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ops = append([]backend.Operation(nil), ops...)
	t.index = make(map[string]int, len(ops))
	for i, op := range ops {
		t.index[op.ID()] = i
	}
}

// Knows returns true if the operation is part of the tracked transaction.
func (t *Tracker) Knows(op backend.Operation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[op.ID()]
	return ok
}

// Len returns the number of operations of the transaction.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Index returns the 0-based position of the operation on the transaction.
func (t *Tracker) Index(op backend.Operation) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[op.ID()]
	if !ok {
		return 0, fmt.Errorf("operation %s is not part of the transaction: %w", op.ID(), model.ErrNotFound)
	}
	return i, nil
}

// Pending returns the update of an operation that hasn't transferred anything yet.
func (t *Tracker) Pending(op backend.Operation) (model.TaskUpdate, error) {
	return t.update(op, model.UpdateStatusPending, 0, 0)
}

// Progress converts a backend progress callback into an update.
func (t *Tracker) Progress(ev backend.ProgressEvent) (model.TaskUpdate, error) {
	if ev.StartedAt.IsZero() {
		return t.Pending(ev.Operation)
	}

	if ev.BytesTransferred == 0 && ev.Progress <= 0 {
		return t.update(ev.Operation, model.UpdateStatusPreparing, 0, 0)
	}

	rate := uint64(0)
	elapsed := t.now().Sub(ev.StartedAt).Seconds()
	if elapsed > 0 {
		rate = uint64(float64(ev.BytesTransferred) / elapsed)
	}

	return t.update(ev.Operation, ev.Operation.Kind.RunningStatus(), clamp(ev.Progress), rate)
}

// Done returns the terminal update of an applied operation. It always reports a
// complete operation, whatever the last progress callback said.
func (t *Tracker) Done(op backend.Operation) (model.TaskUpdate, error) {
	return t.update(op, model.UpdateStatusDone, 100, 0)
}

// Failed returns the terminal update of an operation that couldn't be applied.
func (t *Tracker) Failed(op backend.Operation) (model.TaskUpdate, error) {
	return t.update(op, model.UpdateStatusError, 0, 0)
}

func (t *Tracker) update(op backend.Operation, status model.UpdateStatus, progress int, rate uint64) (model.TaskUpdate, error) {
	idx, err := t.Index(op)
	if err != nil {
		return model.TaskUpdate{}, err
	}

	return model.TaskUpdate{
		Index:         idx,
		OperationKind: op.Kind,
		Status:        status,
		Progress:      progress,
		DownloadRate:  rate,
		Package:       op.Package(),
	}, nil
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
