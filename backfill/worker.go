package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const (
	JobIDRun          = "ingest.backfill.run"
	ParamJobID        = "backfill_job_id"
	MetadataSourceKey = "source_path"
)

// SourceOpener opens the CSV stream a job was submitted with.
type SourceOpener interface {
	Open(ctx context.Context, job core.BackfillJob) (io.ReadCloser, error)
}

// FileSourceOpener opens the file stored under the job's source_path
// metadata, relative to Dir when not absolute.
type FileSourceOpener struct {
	Dir string
}

func (o FileSourceOpener) Open(_ context.Context, job core.BackfillJob) (io.ReadCloser, error) {
	path, _ := job.Metadata[MetadataSourceKey].(string)
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("backfill: job %q has no %s metadata", job.ID, MetadataSourceKey)
	}
	if !filepath.IsAbs(path) && strings.TrimSpace(o.Dir) != "" {
		path = filepath.Join(o.Dir, path)
	}
	return os.Open(path)
}

// NewRunMessage builds the queue message that runs or resumes jobID.
func NewRunMessage(jobID string) *core.JobExecutionMessage {
	jobID = strings.TrimSpace(jobID)
	return &core.JobExecutionMessage{
		JobID:          JobIDRun,
		ScriptPath:     JobIDRun,
		Parameters:     map[string]any{ParamJobID: jobID},
		IdempotencyKey: "backfill:" + jobID,
	}
}

// Worker runs backfill jobs delivered through a job queue.
type Worker struct {
	Engine     *Engine
	Dequeuer   core.JobDequeuer
	Opener     SourceOpener
	Hook       core.JobWorkerHook
	RetryDelay time.Duration
	// MaxAttempts bounds job starts before a delivery is dead-lettered.
	MaxAttempts int
	Observer    core.Observer
}

func NewWorker(engine *Engine, dequeuer core.JobDequeuer, opener SourceOpener) *Worker {
	return &Worker{
		Engine:      engine,
		Dequeuer:    dequeuer,
		Opener:      opener,
		RetryDelay:  30 * time.Second,
		MaxAttempts: 5,
	}
}

// Start consumes deliveries until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	for {
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Observer.Error(ctx, "backfill worker iteration failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// RunOnce dequeues and handles a single delivery.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w == nil || w.Engine == nil || w.Dequeuer == nil || w.Opener == nil {
		return fmt.Errorf("backfill: worker requires engine, dequeuer and source opener")
	}
	delivery, err := w.Dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	return w.handle(ctx, delivery)
}

func (w *Worker) handle(ctx context.Context, delivery core.JobDelivery) error {
	msg := delivery.Message()
	if msg == nil || msg.JobID != JobIDRun {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "unsupported job message"})
	}
	jobID, _ := msg.Parameters[ParamJobID].(string)
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "backfill job id is required"})
	}

	event := core.JobWorkerEvent{Message: msg, StartedAt: time.Now().UTC()}
	w.hook(func(h core.JobWorkerHook) { h.OnStart(ctx, event) })

	job, err := w.runJob(ctx, jobID)
	event.Attempt = job.Attempts
	event.Duration = time.Since(event.StartedAt)
	event.Err = err
	switch {
	case err == nil,
		errors.Is(err, core.ErrJobCompleted),
		errors.Is(err, core.ErrBackfillJobNotFound):
		if err != nil {
			w.Observer.Warn(ctx, "backfill delivery dropped", map[string]any{"job_id": jobID, "error": err.Error()})
		}
		w.hook(func(h core.JobWorkerHook) { h.OnSuccess(ctx, event) })
		return delivery.Ack(ctx)
	case w.MaxAttempts > 0 && job.Attempts >= w.MaxAttempts && ctx.Err() == nil:
		w.hook(func(h core.JobWorkerHook) { h.OnFailure(ctx, event) })
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: err.Error()})
	default:
		event.Delay = w.retryDelay()
		w.hook(func(h core.JobWorkerHook) { h.OnRetry(ctx, event) })
		return delivery.Nack(context.WithoutCancel(ctx), core.JobNackOptions{
			Delay:   event.Delay,
			Requeue: true,
			Reason:  err.Error(),
		})
	}
}

func (w *Worker) runJob(ctx context.Context, jobID string) (core.BackfillJob, error) {
	job, err := w.Engine.Get(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Terminal() {
		return job, fmt.Errorf("%w: job %q", core.ErrJobCompleted, job.ID)
	}
	source, err := w.Opener.Open(ctx, job)
	if err != nil {
		return job, err
	}
	defer source.Close()

	if job.Status == core.BackfillJobStatusPending {
		return w.Engine.Run(ctx, jobID, source)
	}
	return w.Engine.Resume(ctx, jobID, source)
}

func (w *Worker) hook(fn func(core.JobWorkerHook)) {
	if w.Hook != nil {
		fn(w.Hook)
	}
}

func (w *Worker) retryDelay() time.Duration {
	if w.RetryDelay > 0 {
		return w.RetryDelay
	}
	return 30 * time.Second
}
