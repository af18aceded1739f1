package sqlstore

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/idempotency"
	"github.com/goliatone/go-ingest/webhooks"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type stubDeliveryStore struct {
	mu             sync.Mutex
	record         core.DeliveryRecord
	getCalls       int
	claimCalls     int
	processedCalls int
	getErr         error
}

func (s *stubDeliveryStore) Claim(_ context.Context, in core.ClaimInput) (core.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	return core.ClaimOutcome{Claimed: s.record.Status == core.DeliveryStatusPending, Record: s.record}, nil
}

func (s *stubDeliveryStore) Get(_ context.Context, _ string) (core.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return core.DeliveryRecord{}, s.getErr
	}
	return s.record, nil
}

func (s *stubDeliveryStore) MarkProcessed(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedCalls++
	s.record.Status = core.DeliveryStatusProcessed
	return nil
}

func (s *stubDeliveryStore) MarkFailed(_ context.Context, _ string, reason string, _ int) (core.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Status = core.DeliveryStatusFailed
	s.record.RetryCount++
	s.record.LastError = reason
	return s.record, nil
}

func TestCachedDeliveryStore_Get_ProcessedRecordIsCached(t *testing.T) {
	base := &stubDeliveryStore{record: core.DeliveryRecord{
		DeliveryID: "abc",
		EventType:  "order.created",
		Status:     core.DeliveryStatusProcessed,
		Payload:    []byte(`{"id":"abc"}`),
		UpdatedAt:  time.Now().UTC(),
	}}
	store, err := NewCachedDeliveryStore(base, newTestDeliveryCacheService(t))
	if err != nil {
		t.Fatalf("new cached delivery store: %v", err)
	}

	if _, err := store.Get(context.Background(), "abc"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	record, err := store.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected second get to be a cache hit, base get calls=%d", base.getCalls)
	}
	if string(record.Payload) != `{"id":"abc"}` {
		t.Fatalf("unexpected cached payload %q", record.Payload)
	}
}

func TestCachedDeliveryStore_Get_PendingRecordReadsThrough(t *testing.T) {
	base := &stubDeliveryStore{record: core.DeliveryRecord{
		DeliveryID: "abc",
		Status:     core.DeliveryStatusPending,
	}}
	store, err := NewCachedDeliveryStore(base, newTestDeliveryCacheService(t))
	if err != nil {
		t.Fatalf("new cached delivery store: %v", err)
	}

	for i := 0; i < 2; i++ {
		record, err := store.Get(context.Background(), "abc")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if record.Status != core.DeliveryStatusPending {
			t.Fatalf("expected live pending record, got %q", record.Status)
		}
	}
	if base.getCalls != 2 {
		t.Fatalf("expected pending records to bypass cache, base get calls=%d", base.getCalls)
	}
}

func TestCachedDeliveryStore_ClaimShortCircuitsProcessedDelivery(t *testing.T) {
	base := &stubDeliveryStore{record: core.DeliveryRecord{
		DeliveryID: "abc",
		Status:     core.DeliveryStatusPending,
	}}
	store, err := NewCachedDeliveryStore(base, newTestDeliveryCacheService(t))
	if err != nil {
		t.Fatalf("new cached delivery store: %v", err)
	}

	outcome, err := store.Claim(context.Background(), core.ClaimInput{DeliveryID: "abc"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !outcome.Claimed || base.claimCalls != 1 {
		t.Fatalf("expected uncached claim to reach base, outcome=%+v calls=%d", outcome, base.claimCalls)
	}

	if err := store.MarkProcessed(context.Background(), "abc"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if _, err := store.Get(context.Background(), "abc"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	outcome, err = store.Claim(context.Background(), core.ClaimInput{DeliveryID: "abc"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome.Claimed {
		t.Fatalf("expected processed delivery to be refused")
	}
	if outcome.Record.Status != core.DeliveryStatusProcessed {
		t.Fatalf("expected cached processed record, got %q", outcome.Record.Status)
	}
	if base.claimCalls != 1 {
		t.Fatalf("expected cached claim to skip base store, calls=%d", base.claimCalls)
	}
}

func TestCachedDeliveryStore_WebhookRedeliveriesSkipBaseStore(t *testing.T) {
	ctx := context.Background()
	base := &stubDeliveryStore{record: core.DeliveryRecord{
		DeliveryID: "abc",
		EventType:  "order.created",
		Status:     core.DeliveryStatusPending,
	}}
	store, err := NewCachedDeliveryStore(base, newTestDeliveryCacheService(t))
	if err != nil {
		t.Fatalf("new cached delivery store: %v", err)
	}
	processed := 0
	tracker := idempotency.NewTracker(store, core.DeliveryConfig{})
	pipeline := webhooks.NewPipeline(nil, tracker, nil, core.EventProcessorFunc(func(context.Context, core.Event) error {
		processed++
		return nil
	}))
	request := func() webhooks.Request {
		headers := http.Header{}
		headers.Set(core.DefaultDeliveryIDHeader, "abc")
		return webhooks.Request{Provider: "acme", Headers: headers, Body: []byte(`{"type":"order.created"}`)}
	}

	resp, err := pipeline.Handle(ctx, request())
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first delivery processed, got %d %v", resp.StatusCode, err)
	}
	base.mu.Lock()
	claims, gets := base.claimCalls, base.getCalls
	base.mu.Unlock()

	for i := 0; i < 3; i++ {
		resp, err := pipeline.Handle(ctx, request())
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusAccepted || !resp.Body.AlreadyProcessed {
			t.Fatalf("expected 202 alreadyProcessed, got %d %+v", resp.StatusCode, resp.Body)
		}
	}
	base.mu.Lock()
	defer base.mu.Unlock()
	if base.claimCalls != claims || base.getCalls != gets {
		t.Fatalf("expected redeliveries served from cache, claims %d->%d gets %d->%d", claims, base.claimCalls, gets, base.getCalls)
	}
	if processed != 1 {
		t.Fatalf("expected processor to run once, ran %d times", processed)
	}
}

func TestCachedDeliveryStore_ProcessedClaimFromBaseIsRemembered(t *testing.T) {
	ctx := context.Background()
	base := &stubDeliveryStore{record: core.DeliveryRecord{
		DeliveryID: "abc",
		Status:     core.DeliveryStatusProcessed,
	}}
	store, err := NewCachedDeliveryStore(base, newTestDeliveryCacheService(t))
	if err != nil {
		t.Fatalf("new cached delivery store: %v", err)
	}
	for i := 0; i < 2; i++ {
		outcome, err := store.Claim(ctx, core.ClaimInput{DeliveryID: "abc"})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if outcome.Claimed || outcome.Record.Status != core.DeliveryStatusProcessed {
			t.Fatalf("expected processed record to be refused, got %+v", outcome)
		}
	}
	if base.claimCalls != 1 {
		t.Fatalf("expected only the first claim to reach base, calls=%d", base.claimCalls)
	}
}

func TestDeliveryRecordCacheKey_Contract(t *testing.T) {
	key, err := DeliveryRecordCacheKey(" Org/Alpha Team ")
	if err != nil {
		t.Fatalf("build cache key: %v", err)
	}
	const expected = "go-ingest::delivery_record::v1::Org%2FAlpha%20Team"
	if key != expected {
		t.Fatalf("unexpected cache key contract: got %q want %q", key, expected)
	}
	if _, err := DeliveryRecordCacheKey("  "); err == nil {
		t.Fatalf("expected empty delivery id to fail")
	}
}

func TestCachedDeliveryStore_PropagatesBaseErrors(t *testing.T) {
	base := &stubDeliveryStore{getErr: core.ErrDeliveryNotFound}
	store, err := NewCachedDeliveryStore(base, newTestDeliveryCacheService(t))
	if err != nil {
		t.Fatalf("new cached delivery store: %v", err)
	}
	_, err = store.Get(context.Background(), "missing")
	if !errors.Is(err, core.ErrDeliveryNotFound) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}

func newTestDeliveryCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
