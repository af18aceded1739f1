package backfill

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-ingest/core"
)

// Row is one CSV data row. Number is 1-indexed and excludes the header.
type Row struct {
	Number int
	Header []string
	Values []string

	parseErr error
}

// Fields returns the row keyed by header name.
func (r Row) Fields() map[string]string {
	fields := make(map[string]string, len(r.Header))
	for i, name := range r.Header {
		if i < len(r.Values) {
			fields[name] = r.Values[i]
		} else {
			fields[name] = ""
		}
	}
	return fields
}

// Get returns the value of column name, or "" when absent.
func (r Row) Get(name string) string {
	for i, column := range r.Header {
		if strings.EqualFold(strings.TrimSpace(column), strings.TrimSpace(name)) && i < len(r.Values) {
			return r.Values[i]
		}
	}
	return ""
}

// Record is a mapped row ready to be persisted and emitted.
type Record struct {
	Row        int
	DeliveryID string
	EventType  string
	NaturalKey string
	Payload    []byte
	Data       map[string]any
}

type RowMapper interface {
	MapRow(ctx context.Context, row Row) (Record, error)
}

type RowMapperFunc func(ctx context.Context, row Row) (Record, error)

func (f RowMapperFunc) MapRow(ctx context.Context, row Row) (Record, error) {
	return f(ctx, row)
}

const (
	DefaultEventTypeColumn  = "event_type"
	DefaultNaturalKeyColumn = "id"
)

// ColumnMapper maps a row whose event type and natural key live in named
// columns. Every column becomes a string field of Record.Data.
type ColumnMapper struct {
	EventTypeColumn  string
	NaturalKeyColumn string
	// EventType is used when the row has no event type column value.
	EventType string
}

func (m ColumnMapper) MapRow(_ context.Context, row Row) (Record, error) {
	eventTypeColumn := strings.TrimSpace(m.EventTypeColumn)
	if eventTypeColumn == "" {
		eventTypeColumn = DefaultEventTypeColumn
	}
	keyColumn := strings.TrimSpace(m.NaturalKeyColumn)
	if keyColumn == "" {
		keyColumn = DefaultNaturalKeyColumn
	}
	eventType := strings.TrimSpace(row.Get(eventTypeColumn))
	if eventType == "" {
		eventType = strings.TrimSpace(m.EventType)
	}
	if eventType == "" {
		return Record{}, fmt.Errorf("column %q is required", eventTypeColumn)
	}
	fields := row.Fields()
	data := make(map[string]any, len(fields))
	for key, value := range fields {
		data[key] = value
	}
	return Record{
		EventType:  eventType,
		NaturalKey: strings.TrimSpace(row.Get(keyColumn)),
		Data:       data,
	}, nil
}

// ReferenceResolver looks up foreign references by natural key.
type ReferenceResolver interface {
	Resolve(ctx context.Context, record Record) (Record, error)
}

// RecordPersister upserts a batch by natural key. It must be idempotent
// because a batch is redone after a crash.
type RecordPersister interface {
	PersistBatch(ctx context.Context, records []Record) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event core.Event) error
}

type EmitterFunc func(ctx context.Context, event core.Event) error

func (f EmitterFunc) Emit(ctx context.Context, event core.Event) error {
	return f(ctx, event)
}

// ProcessorEmitter emits events straight into an event processor such as
// the webhook pipeline.
func ProcessorEmitter(processor core.EventProcessor) EventEmitter {
	return EmitterFunc(func(ctx context.Context, event core.Event) error {
		return processor.Process(ctx, event)
	})
}

type ReportWriter interface {
	WriteReport(ctx context.Context, job core.BackfillJob, header []string, errs []core.BackfillError) (string, error)
}
