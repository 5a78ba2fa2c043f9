package dispatcher

import (
	"sync"

	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// Sink receives the outbound task messages in order, from a single goroutine.
type Sink interface {
	Send(msg model.TaskMessage) error
}

// SinkFunc is a helper to use functions as Sink.
type SinkFunc func(msg model.TaskMessage) error

func (f SinkFunc) Send(msg model.TaskMessage) error { return f(msg) }

// outbox is an unbounded FIFO queue delivering messages to a sink. Pushing never blocks
// on the sink.
type outbox struct {
	sink   Sink
	queue  []model.TaskMessage
	closed bool
	notify chan struct{}
	done   chan struct{}
	mu     sync.Mutex
	logger log.Logger
}

func newOutbox(sink Sink, logger log.Logger) *outbox {
	o := &outbox{
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go o.run()

	return o
}

func (o *outbox) push(msg model.TaskMessage) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warningf("Dropping message of task %s on closed outbox", msg.TaskID)
		return
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	o.signal()
}

// close stops the outbox once every queued message has been delivered.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.signal()
	<-o.done
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer close(o.done)

	for range o.notify {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, msg := range batch {
			if err := o.sink.Send(msg); err != nil {
				o.logger.Errorf("Could not deliver message of task %s: %s", msg.TaskID, err)
			}
		}

		if closed {
			// Messages pushed while delivering the last batch are still pending.
			o.mu.Lock()
			pending := len(o.queue)
			o.mu.Unlock()
			if pending == 0 {
				return
			}
			o.signal()
		}
	}
}
