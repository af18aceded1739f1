package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

// Publish upserts the entry keyed by delivery id. An open entry is left
// untouched; a resolved entry is re-opened with the new failure.
func (s *DeadLetterStore) Publish(ctx context.Context, entry core.DeadLetterEntry) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	deliveryID := strings.TrimSpace(entry.DeliveryID)
	if deliveryID == "" {
		return false, fmt.Errorf("sqlstore: delivery id is required")
	}
	publishedAt := entry.PublishedAt.UTC()
	if entry.PublishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_dead_letters
			(id, delivery_id, event_type, payload, retry_count, failure_reason, published_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (delivery_id) DO UPDATE SET
			event_type = excluded.event_type,
			payload = excluded.payload,
			retry_count = excluded.retry_count,
			failure_reason = excluded.failure_reason,
			published_at = excluded.published_at,
			resolved_at = NULL
		WHERE ingest_dead_letters.resolved_at IS NOT NULL
	`,
		uuid.NewString(),
		deliveryID,
		strings.TrimSpace(entry.EventType),
		append([]byte(nil), entry.Payload...),
		entry.RetryCount,
		strings.TrimSpace(entry.FailureReason),
		publishedAt,
	)
	if err != nil {
		return false, err
	}
	return affected(res) > 0, nil
}

// List returns open entries, most recently published first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]core.DeadLetterEntry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if limit <= 0 {
		limit = core.DefaultDeadLetterLimit
	}
	if limit > core.MaxDeadLetterLimit {
		limit = core.MaxDeadLetterLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.resolved_at IS NULL")
		}),
		repository.OrderBy("published_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeadLetterEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, deliveryID string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.delivery_id = ?", deliveryID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DeadLetterEntry{}, fmt.Errorf("%w: delivery id %q", core.ErrDeadLetterNotFound, deliveryID)
		}
		return core.DeadLetterEntry{}, err
	}
	return record.toDomain(), nil
}

// Replay resets a failed delivery to pending and resolves its dead letter
// entry in one transaction. Guardrail failures roll back without changes.
func (s *DeadLetterStore) Replay(ctx context.Context, deliveryID string) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery id is required")
	}

	var replayed core.DeliveryRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		res, err := tx.NewUpdate().
			Model((*deliveryRecordModel)(nil)).
			Set("status = ?", string(core.DeliveryStatusPending)).
			Set("retry_count = 0").
			Set("last_error = ''").
			Set("lease_expires_at = 0").
			Set("updated_at = ?", now).
			Where("delivery_id = ?", deliveryID).
			Where("status = ?", string(core.DeliveryStatusFailed)).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected(res) == 0 {
			current := &deliveryRecordModel{}
			lookupErr := tx.NewSelect().
				Model(current).
				Where("?TableAlias.delivery_id = ?", deliveryID).
				Limit(1).
				Scan(ctx)
			if lookupErr != nil {
				if errors.Is(lookupErr, sql.ErrNoRows) {
					return fmt.Errorf("%w: delivery id %q", core.ErrDeliveryNotFound, deliveryID)
				}
				return lookupErr
			}
			return fmt.Errorf("%w: delivery %q is %s", core.ErrInvalidReplayState, deliveryID, current.Status)
		}

		if _, err := tx.NewUpdate().
			Model((*deadLetterRecord)(nil)).
			Set("resolved_at = ?", now).
			Where("delivery_id = ?", deliveryID).
			Where("resolved_at IS NULL").
			Exec(ctx); err != nil {
			return err
		}

		record := &deliveryRecordModel{}
		if err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.delivery_id = ?", deliveryID).
			Limit(1).
			Scan(ctx); err != nil {
			return err
		}
		replayed = record.toDomain()
		return nil
	})
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	return replayed, nil
}
