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

// DeliveryStore keeps delivery records. Claims and failure counting are
// single statements so concurrent replicas never double-claim a delivery.
type DeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryRecordModel]
}

func NewDeliveryStore(db *bun.DB) (*DeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryRecordModel](db, deliveryRecordHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery record repository wiring: %w", err)
		}
	}
	return &DeliveryStore{db: db, repo: repo}, nil
}

func (s *DeliveryStore) Claim(ctx context.Context, in core.ClaimInput) (core.ClaimOutcome, error) {
	if s == nil || s.db == nil {
		return core.ClaimOutcome{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	deliveryID := strings.TrimSpace(in.DeliveryID)
	if deliveryID == "" {
		return core.ClaimOutcome{}, fmt.Errorf("sqlstore: delivery id is required")
	}
	now := in.Now.UTC()
	if in.Now.IsZero() {
		now = time.Now().UTC()
	}
	lease := in.Lease
	if lease <= 0 {
		lease = core.DefaultClaimLease
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = core.DefaultMaxRetries
	}
	leaseUntil := now.Add(lease).UnixMilli()

	record := &deliveryRecordModel{
		ID:             uuid.NewString(),
		DeliveryID:     deliveryID,
		EventType:      strings.TrimSpace(in.EventType),
		PayloadHash:    strings.TrimSpace(in.PayloadHash),
		Payload:        append([]byte(nil), in.Payload...),
		Status:         string(core.DeliveryStatusPending),
		LeaseExpiresAt: leaseUntil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (delivery_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.ClaimOutcome{}, err
	}
	if affected(res) == 1 {
		return core.ClaimOutcome{Claimed: true, Created: true, Record: record.toDomain()}, nil
	}

	res, err = s.db.NewUpdate().
		Model((*deliveryRecordModel)(nil)).
		Set("lease_expires_at = ?", leaseUntil).
		Set("updated_at = ?", now).
		Where("delivery_id = ?", deliveryID).
		Where("lease_expires_at <= ?", now.UnixMilli()).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Where("status = ?", string(core.DeliveryStatusPending)).
				WhereOr("status = ? AND retry_count < ?", string(core.DeliveryStatusFailed), maxRetries)
		}).
		Exec(ctx)
	if err != nil {
		return core.ClaimOutcome{}, err
	}
	claimed := affected(res) == 1

	current, err := s.Get(ctx, deliveryID)
	if err != nil {
		return core.ClaimOutcome{}, err
	}
	return core.ClaimOutcome{Claimed: claimed, Record: current}, nil
}

func (s *DeliveryStore) Get(ctx context.Context, deliveryID string) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	record, err := s.get(ctx, s.db, deliveryID)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	return record.toDomain(), nil
}

// List returns delivery records with status, most recently updated first.
func (s *DeliveryStore) List(ctx context.Context, status core.DeliveryStatus, limit int) ([]core.DeliveryRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if limit <= 0 {
		limit = core.DefaultDeadLetterLimit
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if value := strings.TrimSpace(string(status)); value != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", value))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeliveryRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *DeliveryStore) MarkProcessed(ctx context.Context, deliveryID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return fmt.Errorf("sqlstore: delivery id is required")
	}
	res, err := s.db.NewUpdate().
		Model((*deliveryRecordModel)(nil)).
		Set("status = ?", string(core.DeliveryStatusProcessed)).
		Set("last_error = ''").
		Set("lease_expires_at = 0").
		Set("updated_at = ?", time.Now().UTC()).
		Where("delivery_id = ?", deliveryID).
		Where("status IN (?)", bun.In([]string{
			string(core.DeliveryStatusPending),
			string(core.DeliveryStatusFailed),
		})).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) == 1 {
		return nil
	}
	// Marking an already processed delivery again is a no-op.
	if _, err := s.get(ctx, s.db, deliveryID); err != nil {
		return err
	}
	return nil
}

func (s *DeliveryStore) MarkFailed(
	ctx context.Context,
	deliveryID string,
	reason string,
	maxRetries int,
) (core.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: delivery id is required")
	}
	if maxRetries <= 0 {
		maxRetries = core.DefaultMaxRetries
	}
	res, err := s.db.NewUpdate().
		Model((*deliveryRecordModel)(nil)).
		Set("status = ?", string(core.DeliveryStatusFailed)).
		Set("retry_count = CASE WHEN retry_count < ? THEN retry_count + 1 ELSE retry_count END", maxRetries).
		Set("last_error = ?", strings.TrimSpace(reason)).
		Set("lease_expires_at = 0").
		Set("updated_at = ?", time.Now().UTC()).
		Where("delivery_id = ?", deliveryID).
		Where("status IN (?)", bun.In([]string{
			string(core.DeliveryStatusPending),
			string(core.DeliveryStatusFailed),
		})).
		Exec(ctx)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	record, err := s.get(ctx, s.db, deliveryID)
	if err != nil {
		return core.DeliveryRecord{}, err
	}
	if affected(res) == 0 && record.Status == string(core.DeliveryStatusProcessed) {
		return record.toDomain(), fmt.Errorf("%w: delivery %q", core.ErrDeliveryAlreadyProcessed, deliveryID)
	}
	return record.toDomain(), nil
}

func (s *DeliveryStore) get(ctx context.Context, db bun.IDB, deliveryID string) (*deliveryRecordModel, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	record := &deliveryRecordModel{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.delivery_id = ?", deliveryID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: delivery id %q", core.ErrDeliveryNotFound, deliveryID)
		}
		return nil, err
	}
	return record, nil
}

func affected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return rows
}
