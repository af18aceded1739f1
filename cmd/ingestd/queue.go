package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	ingest "github.com/goliatone/go-ingest"
	"github.com/goliatone/go-ingest/adapters/gojob"
	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"
)

const (
	queueMemory = "memory"
	queueGoJob  = "gojob"
)

// jobQueue pairs the enqueuer handed to the service with a builder for the
// worker that drains it.
type jobQueue struct {
	Enqueuer core.JobEnqueuer
	worker   func(svc *ingest.Service, opener backfill.SourceOpener) *backfill.Worker
}

func (q jobQueue) NewWorker(svc *ingest.Service, opener backfill.SourceOpener) *backfill.Worker {
	return q.worker(svc, opener)
}

// newJobQueue builds the in-process queue named by kind. The gojob kind
// carries messages in go-job form and reports nacks through a go-job hook.
func newJobQueue(kind string, capacity int, logger core.Logger) (jobQueue, error) {
	hook := logWorkerHook{logger: logger}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", queueMemory:
		queue := backfill.NewMemoryQueue(capacity)
		return jobQueue{
			Enqueuer: queue,
			worker: func(svc *ingest.Service, opener backfill.SourceOpener) *backfill.Worker {
				worker := svc.NewBackfillWorker(queue, opener)
				worker.Hook = hook
				return worker
			},
		}, nil
	case queueGoJob:
		queue := gojob.NewMemoryQueue(capacity, gojob.NewWorkerHookAdapter(hook))
		policy := gojob.RetryPolicy{MaxAttempts: 5, MaxDelay: time.Minute, DeadLetterOnMax: true}
		return jobQueue{
			Enqueuer: gojob.NewEnqueuerAdapter(queue),
			worker: func(svc *ingest.Service, opener backfill.SourceOpener) *backfill.Worker {
				worker := svc.NewBackfillWorker(gojob.NewDequeuerAdapter(queue, policy), opener)
				gojob.ApplyRetryPolicy(worker, policy)
				return worker
			},
		}, nil
	default:
		return jobQueue{}, fmt.Errorf("unknown queue %q, expected %s or %s", kind, queueMemory, queueGoJob)
	}
}

// logWorkerHook logs backfill worker lifecycle events.
type logWorkerHook struct {
	logger core.Logger
}

func (h logWorkerHook) OnStart(_ context.Context, event core.JobWorkerEvent) {
	h.log("debug", "backfill delivery started", event)
}

func (h logWorkerHook) OnSuccess(_ context.Context, event core.JobWorkerEvent) {
	h.log("info", "backfill delivery finished", event)
}

func (h logWorkerHook) OnFailure(_ context.Context, event core.JobWorkerEvent) {
	h.log("error", "backfill delivery dead-lettered", event)
}

func (h logWorkerHook) OnRetry(_ context.Context, event core.JobWorkerEvent) {
	h.log("warn", "backfill delivery scheduled for retry", event)
}

func (h logWorkerHook) log(level, msg string, event core.JobWorkerEvent) {
	if h.logger == nil {
		return
	}
	args := []any{"attempt", event.Attempt, "delay", event.Delay.String()}
	if event.Message != nil {
		jobID, _ := event.Message.Parameters[backfill.ParamJobID].(string)
		args = append(args, "job_id", jobID)
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	switch level {
	case "debug":
		h.logger.Debug(msg, args...)
	case "warn":
		h.logger.Warn(msg, args...)
	case "error":
		h.logger.Error(msg, args...)
	default:
		h.logger.Info(msg, args...)
	}
}

var _ core.JobWorkerHook = logWorkerHook{}
