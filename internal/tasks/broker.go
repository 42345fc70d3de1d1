package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker moves tasks between producers and workers and keeps results.
type Broker interface {
	Publish(ctx context.Context, t Task) error
	// Consume blocks until a task is available on queue, ctx is done, or the
	// broker's poll timeout passes (ErrNoTask).
	Consume(ctx context.Context, queue string) (Task, error)
	StoreResult(ctx context.Context, r Result) error
	// AwaitResult blocks until the result of id is stored or ctx is done.
	AwaitResult(ctx context.Context, id uuid.UUID) (Result, error)
}

// MemoryBroker is an in-process Broker for single-process deployments and tests.
type MemoryBroker struct {
	mu          sync.Mutex
	queues      map[string]chan Task
	results     map[uuid.UUID]Result
	waiters     map[uuid.UUID]chan struct{}
	capacity    int
	pollTimeout time.Duration
}

func NewMemoryBroker(capacity int) *MemoryBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBroker{
		queues:      make(map[string]chan Task),
		results:     make(map[uuid.UUID]Result),
		waiters:     make(map[uuid.UUID]chan struct{}),
		capacity:    capacity,
		pollTimeout: time.Second,
	}
}

func (b *MemoryBroker) queue(name string) chan Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Task, b.capacity)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, t Task) error {
	select {
	case b.queue(t.queue()) <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", t.Name, ctx.Err())
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string) (Task, error) {
	timer := time.NewTimer(b.pollTimeout)
	defer timer.Stop()
	select {
	case t := <-b.queue(queue):
		return t, nil
	case <-timer.C:
		return Task{}, ErrNoTask
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (b *MemoryBroker) waiter(id uuid.UUID) chan struct{} {
	w, ok := b.waiters[id]
	if !ok {
		w = make(chan struct{})
		b.waiters[id] = w
	}
	return w
}

func (b *MemoryBroker) StoreResult(_ context.Context, r Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.results[r.TaskID]; done {
		return nil
	}
	b.results[r.TaskID] = r
	close(b.waiter(r.TaskID))
	return nil
}

func (b *MemoryBroker) AwaitResult(ctx context.Context, id uuid.UUID) (Result, error) {
	b.mu.Lock()
	w := b.waiter(id)
	b.mu.Unlock()

	select {
	case <-w:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.results[id], nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("await result %s: %w", id, ctx.Err())
	}
}
