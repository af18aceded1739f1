package core

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBatchSize  = 500
)

var (
	ErrDeliveryNotFound             = errors.New("core: delivery record not found")
	ErrDeliveryAlreadyProcessed     = errors.New("core: delivery already processed")
	ErrInvalidReplayState           = errors.New("core: delivery is not in a replayable state")
	ErrDeadLetterNotFound           = errors.New("core: dead letter entry not found")
	ErrBackfillJobNotFound          = errors.New("core: backfill job not found")
	ErrJobCompleted                 = errors.New("core: backfill job already completed")
	ErrJobAlreadyRunning            = errors.New("core: backfill job is already running")
	ErrInvalidBackfillJobTransition = errors.New("core: invalid backfill job status transition")
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusProcessed DeliveryStatus = "processed"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryRecord owns the retry lifecycle of one delivery id.
type DeliveryRecord struct {
	DeliveryID     string
	EventType      string
	PayloadHash    string
	Payload        []byte
	Status         DeliveryStatus
	RetryCount     int
	LastError      string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Leased reports whether a worker currently holds the processing claim.
func (r DeliveryRecord) Leased(now time.Time) bool {
	return r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// Exhausted reports whether the record reached the retry ceiling.
func (r DeliveryRecord) Exhausted(maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return r.Status == DeliveryStatusFailed && r.RetryCount >= maxRetries
}

func DeliveryTransitionAllowed(current, next DeliveryStatus) bool {
	allowed := map[DeliveryStatus]map[DeliveryStatus]struct{}{
		DeliveryStatusPending: {
			DeliveryStatusProcessed: {},
			DeliveryStatusFailed:    {},
		},
		DeliveryStatusFailed: {
			DeliveryStatusProcessed: {},
			DeliveryStatusFailed:    {},
			DeliveryStatusPending:   {},
		},
		DeliveryStatusProcessed: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type DeadLetterEntry struct {
	DeliveryID    string
	EventType     string
	Payload       []byte
	RetryCount    int
	FailureReason string
	PublishedAt   time.Time
	ResolvedAt    *time.Time
}

func (e DeadLetterEntry) Resolved() bool {
	return e.ResolvedAt != nil
}

// Event is the unit handed to an EventProcessor, regardless of whether it
// arrived over a webhook, a DLQ replay or a backfill row.
type Event struct {
	DeliveryID string
	EventType  string
	Payload    []byte
	Source     string
	Metadata   map[string]any
}

const (
	EventSourceWebhook  = "webhook"
	EventSourceReplay   = "replay"
	EventSourceBackfill = "backfill"
)

type BackfillJobStatus string

const (
	BackfillJobStatusPending   BackfillJobStatus = "pending"
	BackfillJobStatusRunning   BackfillJobStatus = "running"
	BackfillJobStatusCompleted BackfillJobStatus = "completed"
	BackfillJobStatusFailed    BackfillJobStatus = "failed"
	BackfillJobStatusPaused    BackfillJobStatus = "paused"
)

type BackfillJob struct {
	ID               string
	FileName         string
	TotalRows        int
	ProcessedRows    int
	SuccessfulRows   int
	FailedRows       int
	LastProcessedRow int
	Status           BackfillJobStatus
	ErrorFilePath    string
	LastError        string
	Attempts         int
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BackfillCheckpoint is the progress persisted after a committed batch.
// LastProcessedRow is the last data row whose side effects are durable;
// a resumed run starts at LastProcessedRow+1.
type BackfillCheckpoint struct {
	ProcessedRows    int
	SuccessfulRows   int
	FailedRows       int
	LastProcessedRow int
}

func (j BackfillJob) Checkpoint() BackfillCheckpoint {
	return BackfillCheckpoint{
		ProcessedRows:    j.ProcessedRows,
		SuccessfulRows:   j.SuccessfulRows,
		FailedRows:       j.FailedRows,
		LastProcessedRow: j.LastProcessedRow,
	}
}

func (j BackfillJob) Terminal() bool {
	return j.Status == BackfillJobStatusCompleted
}

func (j *BackfillJob) TransitionTo(status BackfillJobStatus, now time.Time) error {
	if j == nil {
		return nil
	}
	if j.Status == status {
		j.UpdatedAt = now
		return nil
	}
	if !BackfillJobTransitionAllowed(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidBackfillJobTransition, j.Status, status)
	}
	j.Status = status
	j.UpdatedAt = now
	return nil
}

func BackfillJobTransitionAllowed(current, next BackfillJobStatus) bool {
	allowed := map[BackfillJobStatus]map[BackfillJobStatus]struct{}{
		BackfillJobStatusPending: {
			BackfillJobStatusRunning: {},
			BackfillJobStatusFailed:  {},
		},
		BackfillJobStatusRunning: {
			BackfillJobStatusCompleted: {},
			BackfillJobStatusFailed:    {},
			BackfillJobStatusPaused:    {},
		},
		BackfillJobStatusFailed: {
			BackfillJobStatusRunning: {},
		},
		BackfillJobStatusPaused: {
			BackfillJobStatusRunning: {},
			BackfillJobStatusFailed:  {},
		},
		BackfillJobStatusCompleted: {},
	}
	_, ok := allowed[current][next]
	return ok
}

// ResumableStatuses lists the statuses a job may be (re)started from.
func ResumableStatuses() []BackfillJobStatus {
	return []BackfillJobStatus{
		BackfillJobStatusPending,
		BackfillJobStatusFailed,
		BackfillJobStatusPaused,
	}
}

// BackfillError is one row-level failure collected during a run.
type BackfillError struct {
	Row   int
	Data  map[string]string
	Error string
}
