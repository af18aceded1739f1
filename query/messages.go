package query

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-ingest/core"
)

const (
	TypeListDeadLetters = "ingest.query.dead_letter.list"
	TypeGetDeadLetter   = "ingest.query.dead_letter.get"
	TypeGetBackfillJob  = "ingest.query.backfill.get"
	TypeGetDelivery     = "ingest.query.delivery.get"
	TypeListDeliveries  = "ingest.query.delivery.list"
)

type ListDeadLettersMessage struct {
	Limit int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Limit < 0 || m.Limit > core.MaxDeadLetterLimit {
		return queryValidationError("limit", fmt.Sprintf("limit must be between 0 and %d", core.MaxDeadLetterLimit))
	}
	return nil
}

type GetDeadLetterMessage struct {
	DeliveryID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return queryValidationError("delivery_id", "delivery id is required")
	}
	return nil
}

type GetBackfillJobMessage struct {
	JobID string
}

func (GetBackfillJobMessage) Type() string { return TypeGetBackfillJob }

func (m GetBackfillJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return queryValidationError("job_id", "job id is required")
	}
	return nil
}

type GetDeliveryMessage struct {
	DeliveryID string
}

func (GetDeliveryMessage) Type() string { return TypeGetDelivery }

func (m GetDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return queryValidationError("delivery_id", "delivery id is required")
	}
	return nil
}

type ListDeliveriesMessage struct {
	Status core.DeliveryStatus
	Limit  int
}

func (ListDeliveriesMessage) Type() string { return TypeListDeliveries }

func (m ListDeliveriesMessage) Validate() error {
	switch m.Status {
	case "", core.DeliveryStatusPending, core.DeliveryStatusProcessed, core.DeliveryStatusFailed:
	default:
		return queryValidationError("status", fmt.Sprintf("unknown delivery status %q", m.Status))
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}
