package coordinator

import (
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher runs waiter deliveries on a context that is safe for them to act
// on, such as a UI or "main" queue.
type Dispatcher interface {
	Dispatch(fn func())
}

// InlineDispatcher runs every delivery on the goroutine that completed the
// request.
type InlineDispatcher struct{}

// Dispatch calls fn immediately.
func (InlineDispatcher) Dispatch(fn func()) { fn() }

// SerialDispatcher runs deliveries one at a time, in submission order, on a
// single dedicated goroutine.
type SerialDispatcher struct {
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewSerialDispatcher starts the delivery goroutine.
func NewSerialDispatcher(logger zerolog.Logger) *SerialDispatcher {
	d := &SerialDispatcher{
		logger: logger.With().Str("component", "SerialDispatcher").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Dispatch queues fn. It never blocks. Functions dispatched after Close are
// run on the caller's goroutine so that no delivery is lost.
func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn().Msg("Dispatch after Close, running inline.")
		fn()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting new work, drains what is queued and waits for the
// delivery goroutine to exit.
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

// Done is closed once the dispatcher has drained and stopped.
func (d *SerialDispatcher) Done() <-chan struct{} { return d.done }

func (d *SerialDispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.safeRun(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *SerialDispatcher) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Dispatched function panicked.")
		}
	}()
	fn()
}
