package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// Match reports whether e passes the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.WorkflowInstanceID != 0 && f.WorkflowInstanceID != e.WorkflowInstanceID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

type subscription struct {
	filter EventFilter
	ch     chan StreamEvent
	once   sync.Once
}

// MemoryHub fans engine state changes out to in-process subscribers. A
// subscriber whose buffer is full misses the event; the engine never waits
// on an observer.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[*subscription]struct{}

	dropped atomic.Uint64
}

// NewMemoryHub creates a hub with buffer events per subscriber (64 when
// buffer <= 0).
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{buffer: buffer, subs: make(map[*subscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns a channel of matching events. It is closed by the
// returned cancel func or when ctx ends, whichever comes first.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, ch: make(chan StreamEvent, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() { h.unsubscribe(sub) }
	stop := context.AfterFunc(ctx, unsubscribe)
	return sub.ch, func() { stop(); unsubscribe() }, nil
}

func (h *MemoryHub) unsubscribe(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.ch)
	})
}

func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries lost to full subscriber buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
