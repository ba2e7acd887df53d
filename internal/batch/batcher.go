// Package batch groups outbound calls of the same kind into multi-key
// requests. Callers add single keys and block; within a time/size window the
// pending keys are flushed as one request and the keyed results fanned back
// to the waiters.
package batch

import (
	"context"
	"sync"
	"time"
)

// Process executes one batched request and returns results keyed by input
// key. Keys absent from the map resolve to the zero value, which callers
// treat as a soft miss.
type Process[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

type result[V any] struct {
	v   V
	err error
}

// Batcher accumulates keys and flushes them through a Process callback when
// the batch is full or the window elapses.
type Batcher[K comparable, V any] struct {
	maxSize int
	maxTime time.Duration
	process Process[K, V]

	mu      sync.Mutex
	order   []K
	waiters map[K][]chan result[V]
	timer   *time.Timer
}

// New creates a batcher flushing at maxSize pending keys or after maxTime,
// whichever comes first.
func New[K comparable, V any](maxSize int, maxTime time.Duration, process Process[K, V]) *Batcher[K, V] {
	return &Batcher[K, V]{
		maxSize: maxSize,
		maxTime: maxTime,
		process: process,
		waiters: make(map[K][]chan result[V]),
	}
}

// Add enqueues key and blocks until the batch containing it is processed or
// ctx is cancelled. Adding a key already pending attaches to it rather than
// growing the batch.
func (b *Batcher[K, V]) Add(ctx context.Context, key K) (V, error) {
	ch := make(chan result[V], 1)

	b.mu.Lock()
	if _, pending := b.waiters[key]; !pending {
		b.order = append(b.order, key)
	}
	b.waiters[key] = append(b.waiters[key], ch)

	full := len(b.order) >= b.maxSize
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.maxTime, b.Flush)
	}
	b.mu.Unlock()

	if full {
		b.Flush()
	}

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// Flush processes all pending keys immediately. Safe to call concurrently
// with Add and the window timer; an empty batch is a no-op.
func (b *Batcher[K, V]) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	keys := b.order
	waiters := b.waiters
	b.order = nil
	b.waiters = make(map[K][]chan result[V])
	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	values, err := b.process(context.Background(), keys)
	for _, key := range keys {
		r := result[V]{err: err}
		if err == nil {
			r.v = values[key]
		}
		for _, ch := range waiters[key] {
			ch <- r
		}
	}
}

// Pending returns the number of keys waiting in the current window.
func (b *Batcher[K, V]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
