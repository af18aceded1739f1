// Package deadletter parks deliveries that exhausted their retries and lets
// operators list and replay them.
package deadletter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

type PublishInput struct {
	DeliveryID string
	EventType  string
	Payload    []byte
	RetryCount int
	Reason     string
}

type Queue struct {
	Store     core.DeadLetterStore
	ListLimit int
	Observer  core.Observer
}

func NewQueue(store core.DeadLetterStore, cfg core.DeadLetterConfig) *Queue {
	return &Queue{Store: store, ListLimit: cfg.ListLimit}
}

// Publish parks a delivery. It reports false when an open entry already
// exists for the delivery id; a resolved entry is re-opened.
func (q *Queue) Publish(ctx context.Context, in PublishInput) (bool, error) {
	if q == nil || q.Store == nil {
		return false, fmt.Errorf("deadletter: store is required")
	}
	deliveryID := strings.TrimSpace(in.DeliveryID)
	if deliveryID == "" {
		return false, fmt.Errorf("deadletter: delivery id is required")
	}
	startedAt := time.Now()
	published, err := q.Store.Publish(ctx, core.DeadLetterEntry{
		DeliveryID:    deliveryID,
		EventType:     strings.TrimSpace(in.EventType),
		Payload:       append([]byte(nil), in.Payload...),
		RetryCount:    in.RetryCount,
		FailureReason: strings.TrimSpace(in.Reason),
		PublishedAt:   time.Now().UTC(),
	})
	q.Observer.ObserveOperation(ctx, startedAt, "dead_letter_publish", err, map[string]any{
		"delivery_id": deliveryID,
		"event_type":  strings.TrimSpace(in.EventType),
		"retry_count": in.RetryCount,
		"published":   published,
	})
	if err != nil {
		return false, err
	}
	if published {
		q.Observer.Count(ctx, core.MetricDeadLettersPublished, 1, map[string]string{
			"event_type": strings.TrimSpace(in.EventType),
		})
		q.Observer.Warn(ctx, "delivery moved to dead letter queue", map[string]any{
			"delivery_id": deliveryID,
			"reason":      strings.TrimSpace(in.Reason),
		})
	}
	return published, nil
}

// List returns open entries, most recently published first.
func (q *Queue) List(ctx context.Context, limit int) ([]core.DeadLetterEntry, error) {
	if q == nil || q.Store == nil {
		return nil, fmt.Errorf("deadletter: store is required")
	}
	return q.Store.List(ctx, q.limit(limit))
}

func (q *Queue) Get(ctx context.Context, deliveryID string) (core.DeadLetterEntry, error) {
	if q == nil || q.Store == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("deadletter: store is required")
	}
	return q.Store.Get(ctx, deliveryID)
}

// Replay resets a failed delivery so the next delivery attempt is processed,
// and returns the original payload. A missing or non-failed delivery is left
// untouched.
func (q *Queue) Replay(ctx context.Context, deliveryID string) ([]byte, error) {
	record, err := q.replay(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	return record.Payload, nil
}

// Redrive replays a delivery and immediately runs it through processor.
func (q *Queue) Redrive(ctx context.Context, deliveryID string, processor core.EventProcessor) error {
	if processor == nil {
		return fmt.Errorf("deadletter: event processor is required")
	}
	record, err := q.replay(ctx, deliveryID)
	if err != nil {
		return err
	}
	return processor.Process(ctx, core.Event{
		DeliveryID: record.DeliveryID,
		EventType:  record.EventType,
		Payload:    record.Payload,
		Source:     core.EventSourceReplay,
	})
}

func (q *Queue) replay(ctx context.Context, deliveryID string) (core.DeliveryRecord, error) {
	if q == nil || q.Store == nil {
		return core.DeliveryRecord{}, fmt.Errorf("deadletter: store is required")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.DeliveryRecord{}, fmt.Errorf("deadletter: delivery id is required")
	}
	startedAt := time.Now()
	record, err := q.Store.Replay(ctx, deliveryID)
	q.Observer.ObserveOperation(ctx, startedAt, "dead_letter_replay", err, map[string]any{
		"delivery_id": deliveryID,
		"event_type":  record.EventType,
	})
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	q.Observer.Count(ctx, core.MetricDeadLettersReplayed, 1, map[string]string{
		"event_type": record.EventType,
	})
	return record, nil
}

func (q *Queue) limit(limit int) int {
	if limit <= 0 {
		limit = q.ListLimit
	}
	if limit <= 0 {
		limit = core.DefaultDeadLetterLimit
	}
	if limit > core.MaxDeadLetterLimit {
		limit = core.MaxDeadLetterLimit
	}
	return limit
}
