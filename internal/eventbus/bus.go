package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrAlreadyRunning is returned when a second consumer calls Run.
var ErrAlreadyRunning = errors.New("event bus already has a consumer")

// Event is anything that can travel on a bus.
type Event interface {
	EventType() string
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDepthObserver registers fn to be called with the queue depth after every
// publish and every consumed event.
func WithDepthObserver(fn func(name string, depth int)) Option {
	return func(b *Bus) { b.observe = fn }
}

// Bus is an unbounded FIFO queue with exactly one consumer.
// Publishers never block on consumption.
type Bus struct {
	name    string
	logger  *slog.Logger
	observe func(string, int)

	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}

	running   atomic.Bool
	published atomic.Int64
	consumed  atomic.Int64
}

// New creates an empty bus.
func New(name string, opts ...Option) *Bus {
	b := &Bus{
		name:   name,
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Publish enqueues ev. Returns ErrBusClosed after Close.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.queue = append(b.queue, ev)
	depth := len(b.queue)
	b.mu.Unlock()

	b.published.Add(1)
	b.wake()
	b.report(depth)
	return nil
}

// Run consumes events sequentially in publish order until the bus is closed
// and drained, or ctx is cancelled. Only one Run may be active at a time.
func (b *Bus) Run(ctx context.Context, handle func(Event)) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	for {
		ev, ok, closed := b.next()
		if ok {
			handle(ev)
			b.consumed.Add(1)
			continue
		}
		if closed {
			b.logger.Debug("event bus drained", slog.String("bus", b.name))
			return nil
		}
		select {
		case <-b.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting events. Events already queued are still consumed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of queued events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns the total published and consumed counts.
func (b *Bus) Stats() (published, consumed int64) {
	return b.published.Load(), b.consumed.Load()
}

func (b *Bus) next() (Event, bool, bool) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		closed := b.closed
		b.mu.Unlock()
		return nil, false, closed
	}
	ev := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	depth := len(b.queue)
	b.mu.Unlock()

	b.report(depth)
	return ev, true, false
}

func (b *Bus) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Bus) report(depth int) {
	if b.observe != nil {
		b.observe(b.name, depth)
	}
}
