package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-ingest/core"
)

type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]core.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, deliveryID string) (core.DeadLetterEntry, error)
}

type BackfillJobReader interface {
	GetBackfillJob(ctx context.Context, jobID string) (core.BackfillJob, error)
}

type DeliveryReader interface {
	GetDelivery(ctx context.Context, deliveryID string) (core.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, status core.DeliveryStatus, limit int) ([]core.DeliveryRecord, error)
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListDeadLetters(ctx, msg.Limit)
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterEntry{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetterEntry{}, err
	}
	return q.reader.GetDeadLetter(ctx, strings.TrimSpace(msg.DeliveryID))
}

type GetBackfillJobQuery struct {
	reader BackfillJobReader
}

func NewGetBackfillJobQuery(reader BackfillJobReader) *GetBackfillJobQuery {
	return &GetBackfillJobQuery{reader: reader}
}

func (q *GetBackfillJobQuery) Query(ctx context.Context, msg GetBackfillJobMessage) (core.BackfillJob, error) {
	if q == nil || q.reader == nil {
		return core.BackfillJob{}, queryDependencyError("query: backfill job reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.BackfillJob{}, err
	}
	return q.reader.GetBackfillJob(ctx, strings.TrimSpace(msg.JobID))
}

type GetDeliveryQuery struct {
	reader DeliveryReader
}

func NewGetDeliveryQuery(reader DeliveryReader) *GetDeliveryQuery {
	return &GetDeliveryQuery{reader: reader}
}

func (q *GetDeliveryQuery) Query(ctx context.Context, msg GetDeliveryMessage) (core.DeliveryRecord, error) {
	if q == nil || q.reader == nil {
		return core.DeliveryRecord{}, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeliveryRecord{}, err
	}
	return q.reader.GetDelivery(ctx, strings.TrimSpace(msg.DeliveryID))
}

type ListDeliveriesQuery struct {
	reader DeliveryReader
}

func NewListDeliveriesQuery(reader DeliveryReader) *ListDeliveriesQuery {
	return &ListDeliveriesQuery{reader: reader}
}

func (q *ListDeliveriesQuery) Query(ctx context.Context, msg ListDeliveriesMessage) ([]core.DeliveryRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListDeliveries(ctx, msg.Status, msg.Limit)
}
