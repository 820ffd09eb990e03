package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool names, also used as the metrics label.
const (
	poolWorkflow = "workflow"
	poolDispatch = "dispatch"
)

// ErrPoolShutdown is returned when work is submitted after Shutdown.
var ErrPoolShutdown = errors.New("engine pool is shut down")

// PanicError carries a panic recovered from pool work.
type PanicError struct {
	Pool  string
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s pool: %v", e.Pool, e.Value) }

// PoolStats counts finished work items of a pool.
type PoolStats struct {
	Done    int64
	Failed  int64
	Panics  int64
	Dropped int64 // Go work whose context ended before a slot freed up
}

// callPool bounds how much work runs at once. The engine keeps one for
// handling workflow events and one for dispatch and control calls.
//
// Do runs work on the caller's goroutine once a slot is free. Go never
// blocks: the slot is awaited on a fresh goroutine, so an event consumer
// that hands a worker call to Go keeps draining its bus.
type callPool struct {
	name    string
	size    int64
	sem     *semaphore.Weighted
	life    context.Context
	quit    context.CancelFunc
	onPanic func(pool string, r any)
	inUse   func(pool string, n int)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	busy    atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
	panics  atomic.Int64
	dropped atomic.Int64
}

func newCallPool(name string, size int, onPanic func(string, any), inUse func(string, int)) *callPool {
	if size <= 0 {
		size = 1
	}
	if onPanic == nil {
		onPanic = func(string, any) {}
	}
	if inUse == nil {
		inUse = func(string, int) {}
	}
	life, quit := context.WithCancel(context.Background())
	return &callPool{
		name:    name,
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		life:    life,
		quit:    quit,
		onPanic: onPanic,
		inUse:   inUse,
	}
}

// Do waits for a slot and runs fn on the calling goroutine. It gives up when
// ctx is done or the pool shuts down. A panic in fn is returned as *PanicError.
func (p *callPool) Do(ctx context.Context, fn func()) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.wg.Done()
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	return p.run(func() error { fn(); return nil })
}

// Go runs fn on a new goroutine once a slot is free and returns at once.
// Work whose ctx ends first is dropped without running.
func (p *callPool) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.enter(); err != nil {
		return err
	}
	go func() {
		defer p.wg.Done()
		if err := p.acquire(ctx); err != nil {
			p.dropped.Add(1)
			return
		}
		defer p.release()
		_ = p.run(func() error { return fn(ctx) })
	}()
	return nil
}

func (p *callPool) enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	return nil
}

func (p *callPool) acquire(ctx context.Context) error {
	wait, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(p.life, cancel)
	defer unhook()
	if err := p.sem.Acquire(wait, 1); err != nil {
		if p.life.Err() != nil {
			return ErrPoolShutdown
		}
		return err
	}
	p.inUse(p.name, int(p.busy.Add(1)))
	return nil
}

func (p *callPool) release() {
	p.inUse(p.name, int(p.busy.Add(-1)))
	p.sem.Release(1)
}

func (p *callPool) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.onPanic(p.name, r)
			err = &PanicError{Pool: p.name, Value: r}
		}
	}()
	if err = fn(); err != nil {
		p.failed.Add(1)
		return err
	}
	p.done.Add(1)
	return nil
}

// Size is the maximum number of concurrent work items.
func (p *callPool) Size() int { return int(p.size) }

// Busy is the number of running work items.
func (p *callPool) Busy() int { return int(p.busy.Load()) }

// Wait blocks until running and waiting work items return.
func (p *callPool) Wait() { p.wg.Wait() }

// Shutdown rejects new work, releases waiting callers and waits for running
// work. It is safe to call more than once.
func (p *callPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.quit()
	p.wg.Wait()
}

func (p *callPool) Stats() PoolStats {
	return PoolStats{
		Done:    p.done.Load(),
		Failed:  p.failed.Load(),
		Panics:  p.panics.Load(),
		Dropped: p.dropped.Load(),
	}
}
