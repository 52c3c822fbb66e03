// Package batch coalesces individual items into batches. It is used in front
// of the outbound queue's processor slot so that queued envelopes are written
// to the transport as a single batch frame.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	apperrors "github.com/pscheid92/livewire/internal/errors"
)

var ErrBatchStopped = errors.New("batch processor stopped")

// FlushFunc handles one batch. Its error is returned to every caller whose
// item was in the batch.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Processor accumulates items until Size items are buffered or Timeout has
// elapsed since the first unflushed item, whichever comes first.
type Processor[T any] struct {
	size    int
	timeout time.Duration
	flush   FlushFunc[T]
	clock   clockwork.Clock

	mu      sync.Mutex
	current *batch[T]
	stopped bool
}

type batch[T any] struct {
	items []T
	timer clockwork.Timer
	done  chan struct{}
	err   error
}

func New[T any](size int, timeout time.Duration, clock clockwork.Clock, flush FlushFunc[T]) *Processor[T] {
	return &Processor[T]{
		size:    max(size, 1),
		timeout: timeout,
		flush:   flush,
		clock:   clock,
	}
}

// Process adds item to the current batch and blocks until that batch has
// been flushed. If ctx ends first, ctx's error is returned but the item stays
// in the batch.
func (p *Processor[T]) Process(ctx context.Context, item T) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return apperrors.ClosedError("batch processor is stopped", ErrBatchStopped)
	}

	if p.current == nil {
		b := &batch[T]{done: make(chan struct{})}
		b.timer = p.clock.AfterFunc(p.timeout, func() { p.expire(b) })
		p.current = b
	}
	b := p.current
	b.items = append(b.items, item)

	full := len(b.items) >= p.size
	if full {
		p.current = nil
	}
	p.mu.Unlock()

	if full {
		p.run(ctx, b, "size")
	}

	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for batch flush: %w", ctx.Err())
	}
}

// Flush drains any partial batch immediately.
func (p *Processor[T]) Flush(ctx context.Context) error {
	p.mu.Lock()
	b := p.current
	p.current = nil
	p.mu.Unlock()

	if b == nil {
		return nil
	}
	p.run(ctx, b, "manual")
	return b.err
}

// Stop flushes the partial batch. Later calls to Process fail with
// ErrBatchStopped.
func (p *Processor[T]) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	return p.Flush(ctx)
}

// Pending returns the number of items waiting in the current batch.
func (p *Processor[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return 0
	}
	return len(p.current.items)
}

func (p *Processor[T]) expire(b *batch[T]) {
	p.mu.Lock()
	if p.current != b {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.mu.Unlock()

	p.run(context.Background(), b, "timeout")
}

func (p *Processor[T]) run(ctx context.Context, b *batch[T], reason string) {
	b.timer.Stop()
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			b.err = apperrors.InternalError("batch flush panicked", fmt.Errorf("%v", r))
			slog.Error("Batch flush panic recovered", "panic", r)
		}
	}()

	b.err = p.flush(ctx, b.items)
	if b.err != nil {
		slog.Warn("Batch flush failed", "items", len(b.items), "reason", reason, "error", b.err)
		return
	}
	slog.Debug("Batch flushed", "items", len(b.items), "reason", reason)
}
