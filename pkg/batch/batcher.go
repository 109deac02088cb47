package batch

import (
	"context"
	"sync"
	"time"
)

// Processor processes a batch of items
type Processor[T any] interface {
	ProcessBatch(ctx context.Context, items []T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, items []T) error

func (f ProcessorFunc[T]) ProcessBatch(ctx context.Context, items []T) error {
	return f(ctx, items)
}

// Batcher collects items and hands them to a Processor when batchSize is
// reached or batchInterval elapses.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor[T]
	onError       func(error)

	mu      sync.Mutex
	pending []T

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// NewBatcher creates a new batcher
func NewBatcher[T any](batchSize int, batchInterval time.Duration, processor Processor[T], onError func(error)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()
	return b
}

// Add queues an item.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, items)
}

func (b *Batcher[T]) flushAndReport() {
	if err := b.Flush(context.Background()); err != nil && b.onError != nil {
		b.onError(err)
	}
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushAndReport()
		case <-b.flushChan:
			b.flushAndReport()
		case <-b.stopChan:
			b.flushAndReport()
			return
		}
	}
}

// Stop flushes what is pending and waits for the worker to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.done
}

// PendingCount returns the number of pending items
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
