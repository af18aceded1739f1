package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// MemoryQueue is an in-process job queue for single-node deployments.
// Requeued deliveries become visible again after their nack delay.
type MemoryQueue struct {
	ch chan *core.JobExecutionMessage

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{
		ch:      make(chan *core.JobExecutionMessage, capacity),
		pending: map[string]struct{}{},
	}
}

// Enqueue drops a message whose idempotency key is already queued.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("backfill: execution message is required")
	}
	if key := msg.IdempotencyKey; key != "" {
		q.mu.Lock()
		if _, exists := q.pending[key]; exists {
			q.mu.Unlock()
			return nil
		}
		q.pending[key] = struct{}{}
		q.mu.Unlock()
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		q.release(msg)
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	select {
	case msg := <-q.ch:
		q.release(msg)
		return &memoryDelivery{queue: q, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) release(msg *core.JobExecutionMessage) {
	if msg == nil || msg.IdempotencyKey == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, msg.IdempotencyKey)
	q.mu.Unlock()
}

type memoryDelivery struct {
	queue *MemoryQueue
	msg   *core.JobExecutionMessage
}

func (d *memoryDelivery) Message() *core.JobExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	return nil
}

func (d *memoryDelivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	if !opts.Requeue || opts.DeadLetter {
		return nil
	}
	if opts.Delay <= 0 {
		return d.queue.Enqueue(ctx, d.msg)
	}
	time.AfterFunc(opts.Delay, func() {
		_ = d.queue.Enqueue(context.Background(), d.msg)
	})
	return nil
}

var (
	_ core.JobEnqueuer = (*MemoryQueue)(nil)
	_ core.JobDequeuer = (*MemoryQueue)(nil)
	_ core.JobDelivery = (*memoryDelivery)(nil)
)
