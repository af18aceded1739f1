package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-ingest/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const deliveryRecordCacheKeyPrefix = "go-ingest::delivery_record::v1"

var errDeliveryNotCacheable = errors.New("sqlstore: delivery record is not terminal")

// CachedDeliveryStore serves processed delivery reads from cache. Only
// processed records are cached because processed is terminal; every other
// status is read through to the base store.
type CachedDeliveryStore struct {
	base  core.DeliveryStore
	cache repositorycache.CacheService
}

func NewCachedDeliveryStore(
	base core.DeliveryStore,
	cacheService repositorycache.CacheService,
) (*CachedDeliveryStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base delivery store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: delivery cache service is required")
	}
	return &CachedDeliveryStore{base: base, cache: cacheService}, nil
}

// DeliveryRecordCacheKey returns go-ingest::delivery_record::v1::<delivery_id>
// with the id URL-path escaped.
func DeliveryRecordCacheKey(deliveryID string) (string, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return "", fmt.Errorf("sqlstore: delivery id is required")
	}
	return deliveryRecordCacheKeyPrefix + "::" + url.PathEscape(deliveryID), nil
}

func (s *CachedDeliveryStore) Get(ctx context.Context, deliveryID string) (core.DeliveryRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: cached delivery store is not configured")
	}
	cacheKey, err := DeliveryRecordCacheKey(deliveryID)
	if err != nil {
		return core.DeliveryRecord{}, err
	}

	var live core.DeliveryRecord
	record, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.DeliveryRecord, error) {
		fetched, fetchErr := s.base.Get(ctx, deliveryID)
		if fetchErr != nil {
			return core.DeliveryRecord{}, fetchErr
		}
		if fetched.Status != core.DeliveryStatusProcessed {
			live = cloneDeliveryRecord(fetched)
			return core.DeliveryRecord{}, errDeliveryNotCacheable
		}
		return cloneDeliveryRecord(fetched), nil
	})
	if err != nil {
		if errors.Is(err, errDeliveryNotCacheable) {
			return live, nil
		}
		return core.DeliveryRecord{}, err
	}
	return cloneDeliveryRecord(record), nil
}

// Claim short-circuits deliveries already known to be processed.
func (s *CachedDeliveryStore) Claim(ctx context.Context, in core.ClaimInput) (core.ClaimOutcome, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.ClaimOutcome{}, fmt.Errorf("sqlstore: cached delivery store is not configured")
	}
	if cacheKey, err := DeliveryRecordCacheKey(in.DeliveryID); err == nil {
		cached, peekErr := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(context.Context) (core.DeliveryRecord, error) {
			return core.DeliveryRecord{}, errDeliveryNotCacheable
		})
		if peekErr == nil && cached.Status == core.DeliveryStatusProcessed {
			return core.ClaimOutcome{Record: cloneDeliveryRecord(cached)}, nil
		}
	}
	outcome, err := s.base.Claim(ctx, in)
	if err != nil {
		return outcome, err
	}
	if !outcome.Claimed && outcome.Record.Status == core.DeliveryStatusProcessed {
		s.remember(ctx, outcome.Record)
	}
	return outcome, nil
}

func (s *CachedDeliveryStore) MarkProcessed(ctx context.Context, deliveryID string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached delivery store is not configured")
	}
	if err := s.base.MarkProcessed(ctx, deliveryID); err != nil {
		return err
	}
	cacheKey, err := DeliveryRecordCacheKey(deliveryID)
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return err
	}
	// Warm the entry for redeliveries.
	_, _ = s.Get(ctx, deliveryID)
	return nil
}

func (s *CachedDeliveryStore) MarkFailed(
	ctx context.Context,
	deliveryID string,
	reason string,
	maxRetries int,
) (core.DeliveryRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.DeliveryRecord{}, fmt.Errorf("sqlstore: cached delivery store is not configured")
	}
	return s.base.MarkFailed(ctx, deliveryID, reason, maxRetries)
}

// List reads through to the base store when it supports listing.
func (s *CachedDeliveryStore) List(ctx context.Context, status core.DeliveryStatus, limit int) ([]core.DeliveryRecord, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached delivery store is not configured")
	}
	lister, ok := s.base.(core.DeliveryLister)
	if !ok {
		return nil, fmt.Errorf("sqlstore: base delivery store does not support listing")
	}
	return lister.List(ctx, status, limit)
}

// remember caches a processed record the base store already returned.
func (s *CachedDeliveryStore) remember(ctx context.Context, record core.DeliveryRecord) {
	cacheKey, err := DeliveryRecordCacheKey(record.DeliveryID)
	if err != nil {
		return
	}
	_, _ = repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(context.Context) (core.DeliveryRecord, error) {
		return cloneDeliveryRecord(record), nil
	})
}

func cloneDeliveryRecord(record core.DeliveryRecord) core.DeliveryRecord {
	cloned := record
	cloned.Payload = append([]byte(nil), record.Payload...)
	if record.LeaseExpiresAt != nil {
		value := record.LeaseExpiresAt.UTC()
		cloned.LeaseExpiresAt = &value
	}
	return cloned
}

var _ core.DeliveryStore = (*CachedDeliveryStore)(nil)
