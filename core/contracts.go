package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// EventProcessor is the integration-supplied business logic invoked once
// per accepted, deduplicated event.
type EventProcessor interface {
	Process(ctx context.Context, event Event) error
}

type EventProcessorFunc func(ctx context.Context, event Event) error

func (f EventProcessorFunc) Process(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type ClaimInput struct {
	DeliveryID  string
	EventType   string
	Payload     []byte
	PayloadHash string
	MaxRetries  int
	Lease       time.Duration
	Now         time.Time
}

type ClaimOutcome struct {
	// Claimed is true when the caller won the processing claim.
	Claimed bool
	// Created is true when the claim created the delivery record.
	Created bool
	Record  DeliveryRecord
}

// DeliveryStore persists delivery records. Claim and MarkFailed must be
// atomic against every replica sharing the store.
type DeliveryStore interface {
	Claim(ctx context.Context, in ClaimInput) (ClaimOutcome, error)
	Get(ctx context.Context, deliveryID string) (DeliveryRecord, error)
	MarkProcessed(ctx context.Context, deliveryID string) error
	MarkFailed(ctx context.Context, deliveryID string, reason string, maxRetries int) (DeliveryRecord, error)
}

// DeliveryLister lists delivery records for operator tooling.
type DeliveryLister interface {
	List(ctx context.Context, status DeliveryStatus, limit int) ([]DeliveryRecord, error)
}

type DeadLetterStore interface {
	Publish(ctx context.Context, entry DeadLetterEntry) (bool, error)
	List(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	Get(ctx context.Context, deliveryID string) (DeadLetterEntry, error)
	// Replay resets a failed delivery to pending and resolves its entry in
	// one transaction. It returns the reset delivery record.
	Replay(ctx context.Context, deliveryID string) (DeliveryRecord, error)
}

type BackfillFinish struct {
	Status        BackfillJobStatus
	TotalRows     int
	ErrorFilePath string
	LastError     string
}

type BackfillJobStore interface {
	Create(ctx context.Context, job BackfillJob) (BackfillJob, error)
	Get(ctx context.Context, id string) (BackfillJob, error)
	// Start moves a pending, paused or failed job to running. It fails with
	// ErrJobAlreadyRunning or ErrJobCompleted when the swap loses.
	Start(ctx context.Context, id string) (BackfillJob, error)
	// SaveCheckpoint advances a running job's counters and stores the row
	// errors of the batch it covers. Both land or neither does.
	SaveCheckpoint(ctx context.Context, id string, checkpoint BackfillCheckpoint, rowErrors []BackfillError) (BackfillJob, error)
	Finish(ctx context.Context, id string, finish BackfillFinish) (BackfillJob, error)
	// RecoverStale pauses a running job whose last update is older than
	// staleBefore, so a run abandoned by a crashed worker can be resumed.
	RecoverStale(ctx context.Context, id string, staleBefore time.Time) (BackfillJob, bool, error)
	// ListErrors returns every row error stored for a job, ordered by row.
	ListErrors(ctx context.Context, id string) ([]BackfillError, error)
}

// StoreProvider exposes the durable stores built by a repository factory.
type StoreProvider interface {
	DeliveryStore() DeliveryStore
	DeadLetterStore() DeadLetterStore
	BackfillJobStore() BackfillJobStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
