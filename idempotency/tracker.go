package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// CheckResult is the outcome of a delivery claim. At most one of
// ShouldProcess, AlreadyProcessed, Exhausted and InFlight is set.
type CheckResult struct {
	ShouldProcess    bool
	AlreadyProcessed bool
	Exhausted        bool
	InFlight         bool
	Created          bool
	Record           core.DeliveryRecord
}

type Tracker struct {
	Store      core.DeliveryStore
	MaxRetries int
	Lease      time.Duration
	Now        func() time.Time
	Observer   core.Observer
}

func NewTracker(store core.DeliveryStore, cfg core.DeliveryConfig) *Tracker {
	return &Tracker{
		Store:      store,
		MaxRetries: cfg.MaxRetries,
		Lease:      cfg.ClaimLease,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (t *Tracker) Check(ctx context.Context, deliveryID, eventType string, payload []byte) (CheckResult, error) {
	if t == nil {
		return CheckResult{}, fmt.Errorf("idempotency: tracker is nil")
	}
	startedAt := time.Now()
	result, err := t.check(ctx, deliveryID, eventType, payload)
	t.Observer.ObserveOperation(ctx, startedAt, "idempotency_check", err, map[string]any{
		"delivery_id": strings.TrimSpace(deliveryID),
		"event_type":  strings.TrimSpace(eventType),
		"outcome":     result.outcome(),
	})
	return result, err
}

func (t *Tracker) check(ctx context.Context, deliveryID, eventType string, payload []byte) (CheckResult, error) {
	if t.Store == nil {
		return CheckResult{}, fmt.Errorf("idempotency: delivery store is required")
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return CheckResult{}, fmt.Errorf("idempotency: delivery id is required")
	}
	now := t.now()
	outcome, err := t.Store.Claim(ctx, core.ClaimInput{
		DeliveryID:  deliveryID,
		EventType:   strings.TrimSpace(eventType),
		Payload:     payload,
		PayloadHash: PayloadHash(payload),
		MaxRetries:  t.maxRetries(),
		Lease:       t.lease(),
		Now:         now,
	})
	if err != nil {
		return CheckResult{}, err
	}
	result := CheckResult{Created: outcome.Created, Record: outcome.Record}
	switch {
	case outcome.Claimed:
		result.ShouldProcess = true
	case outcome.Record.Status == core.DeliveryStatusProcessed:
		result.AlreadyProcessed = true
	case outcome.Record.Exhausted(t.maxRetries()):
		result.Exhausted = true
	default:
		result.InFlight = true
	}
	return result, nil
}

func (t *Tracker) MarkProcessed(ctx context.Context, deliveryID string) error {
	if t == nil || t.Store == nil {
		return fmt.Errorf("idempotency: delivery store is required")
	}
	startedAt := time.Now()
	err := t.Store.MarkProcessed(ctx, deliveryID)
	t.Observer.ObserveOperation(ctx, startedAt, "idempotency_mark_processed", err, map[string]any{
		"delivery_id": strings.TrimSpace(deliveryID),
	})
	return err
}

// MarkFailed records a failed attempt. The retry counter is incremented by
// the store in one statement and never exceeds MaxRetries.
func (t *Tracker) MarkFailed(ctx context.Context, deliveryID string, cause error) (core.DeliveryRecord, error) {
	if t == nil || t.Store == nil {
		return core.DeliveryRecord{}, fmt.Errorf("idempotency: delivery store is required")
	}
	reason := "processing failed"
	if cause != nil {
		reason = cause.Error()
	}
	startedAt := time.Now()
	record, err := t.Store.MarkFailed(ctx, deliveryID, reason, t.maxRetries())
	t.Observer.ObserveOperation(ctx, startedAt, "idempotency_mark_failed", err, map[string]any{
		"delivery_id": strings.TrimSpace(deliveryID),
		"retry_count": record.RetryCount,
	})
	return record, err
}

func (t *Tracker) Get(ctx context.Context, deliveryID string) (core.DeliveryRecord, error) {
	if t == nil || t.Store == nil {
		return core.DeliveryRecord{}, fmt.Errorf("idempotency: delivery store is required")
	}
	return t.Store.Get(ctx, deliveryID)
}

// MaxRetriesOrDefault returns the configured retry ceiling.
func (t *Tracker) MaxRetriesOrDefault() int {
	return t.maxRetries()
}

// PayloadHash returns the hex sha256 digest stored alongside a delivery.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (r CheckResult) outcome() string {
	switch {
	case r.ShouldProcess:
		return "claimed"
	case r.AlreadyProcessed:
		return "already_processed"
	case r.Exhausted:
		return "exhausted"
	case r.InFlight:
		return "in_flight"
	default:
		return ""
	}
}

func (t *Tracker) now() time.Time {
	if t != nil && t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *Tracker) maxRetries() int {
	if t != nil && t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return core.DefaultMaxRetries
}

func (t *Tracker) lease() time.Duration {
	if t != nil && t.Lease > 0 {
		return t.Lease
	}
	return core.DefaultClaimLease
}
