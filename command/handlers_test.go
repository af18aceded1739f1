package command

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"
)

type stubMutatingService struct {
	replayFn  func(ctx context.Context, deliveryID string) ([]byte, error)
	redriveFn func(ctx context.Context, deliveryID string) error
	submitFn  func(ctx context.Context, in backfill.SubmitInput) (core.BackfillJob, error)
	runFn     func(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error)
	resumeFn  func(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error)
	enqueueFn func(ctx context.Context, jobID string) error
}

func (s stubMutatingService) ReplayDeadLetter(ctx context.Context, deliveryID string) ([]byte, error) {
	if s.replayFn == nil {
		return nil, nil
	}
	return s.replayFn(ctx, deliveryID)
}

func (s stubMutatingService) RedriveDeadLetter(ctx context.Context, deliveryID string) error {
	if s.redriveFn == nil {
		return nil
	}
	return s.redriveFn(ctx, deliveryID)
}

func (s stubMutatingService) SubmitBackfill(ctx context.Context, in backfill.SubmitInput) (core.BackfillJob, error) {
	if s.submitFn == nil {
		return core.BackfillJob{}, nil
	}
	return s.submitFn(ctx, in)
}

func (s stubMutatingService) RunBackfill(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	if s.runFn == nil {
		return core.BackfillJob{}, nil
	}
	return s.runFn(ctx, jobID, source)
}

func (s stubMutatingService) ResumeBackfill(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	if s.resumeFn == nil {
		return core.BackfillJob{}, nil
	}
	return s.resumeFn(ctx, jobID, source)
}

func (s stubMutatingService) EnqueueBackfill(ctx context.Context, jobID string) error {
	if s.enqueueFn == nil {
		return nil
	}
	return s.enqueueFn(ctx, jobID)
}

func TestReplayDeadLetterCommand_StoresPayload(t *testing.T) {
	svc := stubMutatingService{
		replayFn: func(_ context.Context, deliveryID string) ([]byte, error) {
			if deliveryID != "evt_1" {
				t.Fatalf("expected trimmed delivery id, got %q", deliveryID)
			}
			return []byte(`{"type":"order.created"}`), nil
		},
	}

	collector := gocmd.NewResult[ReplayResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewReplayDeadLetterCommand(svc).Execute(ctx, ReplayDeadLetterMessage{DeliveryID: " evt_1 "}); err != nil {
		t.Fatalf("execute replay: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected replay result to be stored")
	}
	if result.DeliveryID != "evt_1" || string(result.Payload) != `{"type":"order.created"}` {
		t.Fatalf("unexpected replay result: %#v", result)
	}
}

func TestRedriveDeadLetterCommand_PropagatesError(t *testing.T) {
	expected := errors.New("not replayable")
	svc := stubMutatingService{
		redriveFn: func(context.Context, string) error { return expected },
	}
	err := NewRedriveDeadLetterCommand(svc).Execute(context.Background(), RedriveDeadLetterMessage{DeliveryID: "evt_1"})
	if !errors.Is(err, expected) {
		t.Fatalf("expected redrive error, got %v", err)
	}
}

func TestSubmitBackfillCommand_EnqueuesWhenRequested(t *testing.T) {
	enqueued := ""
	svc := stubMutatingService{
		submitFn: func(_ context.Context, in backfill.SubmitInput) (core.BackfillJob, error) {
			return core.BackfillJob{ID: "job_1", FileName: in.FileName, Status: core.BackfillJobStatusPending}, nil
		},
		enqueueFn: func(_ context.Context, jobID string) error {
			enqueued = jobID
			return nil
		},
	}

	collector := gocmd.NewResult[core.BackfillJob]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewSubmitBackfillCommand(svc).Execute(ctx, SubmitBackfillMessage{
		Input:   backfill.SubmitInput{FileName: "orders.csv"},
		Enqueue: true,
	})
	if err != nil {
		t.Fatalf("execute submit: %v", err)
	}
	if enqueued != "job_1" {
		t.Fatalf("expected job_1 to be enqueued, got %q", enqueued)
	}
	job, ok := collector.Load()
	if !ok || job.ID != "job_1" || job.FileName != "orders.csv" {
		t.Fatalf("unexpected stored job: %#v", job)
	}
}

func TestRunBackfillCommand_StoresJobEvenOnFailure(t *testing.T) {
	failure := errors.New("persist failed")
	svc := stubMutatingService{
		runFn: func(_ context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
			if source == nil {
				t.Fatalf("expected source to be forwarded")
			}
			return core.BackfillJob{ID: jobID, Status: core.BackfillJobStatusFailed}, failure
		},
	}

	collector := gocmd.NewResult[core.BackfillJob]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewRunBackfillCommand(svc).Execute(ctx, RunBackfillMessage{JobID: "job_1", Source: strings.NewReader("id\n")})
	if !errors.Is(err, failure) {
		t.Fatalf("expected run failure, got %v", err)
	}
	job, ok := collector.Load()
	if !ok || job.Status != core.BackfillJobStatusFailed {
		t.Fatalf("expected failed job to be stored, got %#v", job)
	}
}

func TestResumeBackfillCommand_EnqueuesWithoutSource(t *testing.T) {
	enqueued := ""
	resumed := false
	svc := stubMutatingService{
		enqueueFn: func(_ context.Context, jobID string) error {
			enqueued = jobID
			return nil
		},
		resumeFn: func(context.Context, string, io.Reader) (core.BackfillJob, error) {
			resumed = true
			return core.BackfillJob{}, nil
		},
	}
	cmd := NewResumeBackfillCommand(svc)

	if err := cmd.Execute(context.Background(), ResumeBackfillMessage{JobID: "job_1"}); err != nil {
		t.Fatalf("execute resume without source: %v", err)
	}
	if enqueued != "job_1" || resumed {
		t.Fatalf("expected enqueue only, got enqueued=%q resumed=%t", enqueued, resumed)
	}

	if err := cmd.Execute(context.Background(), ResumeBackfillMessage{JobID: "job_2", Source: strings.NewReader("id\n")}); err != nil {
		t.Fatalf("execute resume with source: %v", err)
	}
	if !resumed {
		t.Fatalf("expected inline resume when a source is provided")
	}
}
