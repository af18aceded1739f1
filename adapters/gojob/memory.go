package gojob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// MemoryQueue is an in-process go-job queue backed by backfill.MemoryQueue.
// Nacks are reported to Hook as retries or failures.
type MemoryQueue struct {
	inner *backfill.MemoryQueue
	Hook  worker.Hook
}

func NewMemoryQueue(capacity int, hook worker.Hook) *MemoryQueue {
	return &MemoryQueue{inner: backfill.NewMemoryQueue(capacity), Hook: hook}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if q == nil || q.inner == nil {
		return fmt.Errorf("gojob: memory queue is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return q.inner.Enqueue(ctx, FromExecutionMessage(msg))
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil || q.inner == nil {
		return nil, fmt.Errorf("gojob: memory queue is not configured")
	}
	delivery, err := q.inner.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return &memoryDelivery{queue: q, inner: delivery, dequeuedAt: time.Now().UTC()}, nil
}

type memoryDelivery struct {
	queue      *MemoryQueue
	inner      core.JobDelivery
	dequeuedAt time.Time
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return ToExecutionMessage(d.inner.Message())
}

func (d *memoryDelivery) Ack(ctx context.Context) error {
	return d.inner.Ack(ctx)
}

func (d *memoryDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if err := d.inner.Nack(ctx, FromNackOptions(opts)); err != nil {
		return err
	}
	if d.queue.Hook == nil {
		return nil
	}
	event := worker.Event{
		Message:   d.Message(),
		Delivery:  d,
		Delay:     opts.Delay,
		StartedAt: d.dequeuedAt,
		Duration:  time.Since(d.dequeuedAt),
	}
	if opts.Reason != "" {
		event.Err = errors.New(opts.Reason)
	}
	if opts.Requeue && !opts.DeadLetter {
		d.queue.Hook.OnRetry(ctx, event)
	} else {
		d.queue.Hook.OnFailure(ctx, event)
	}
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
