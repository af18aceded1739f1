package command

import (
	"context"
	"io"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"
)

type MutatingService interface {
	ReplayDeadLetter(ctx context.Context, deliveryID string) ([]byte, error)
	RedriveDeadLetter(ctx context.Context, deliveryID string) error
	SubmitBackfill(ctx context.Context, in backfill.SubmitInput) (core.BackfillJob, error)
	RunBackfill(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error)
	ResumeBackfill(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error)
	EnqueueBackfill(ctx context.Context, jobID string) error
}

// ReplayResult is stored for ReplayDeadLetterCommand callers.
type ReplayResult struct {
	DeliveryID string
	Payload    []byte
}

type ReplayDeadLetterCommand struct {
	service MutatingService
}

func NewReplayDeadLetterCommand(service MutatingService) *ReplayDeadLetterCommand {
	return &ReplayDeadLetterCommand{service: service}
}

func (c *ReplayDeadLetterCommand) Execute(ctx context.Context, msg ReplayDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter replay service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	deliveryID := strings.TrimSpace(msg.DeliveryID)
	payload, err := c.service.ReplayDeadLetter(ctx, deliveryID)
	if err != nil {
		return err
	}
	storeResult(ctx, ReplayResult{DeliveryID: deliveryID, Payload: payload})
	return nil
}

type RedriveDeadLetterCommand struct {
	service MutatingService
}

func NewRedriveDeadLetterCommand(service MutatingService) *RedriveDeadLetterCommand {
	return &RedriveDeadLetterCommand{service: service}
}

func (c *RedriveDeadLetterCommand) Execute(ctx context.Context, msg RedriveDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter redrive service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.service.RedriveDeadLetter(ctx, strings.TrimSpace(msg.DeliveryID))
}

type SubmitBackfillCommand struct {
	service MutatingService
}

func NewSubmitBackfillCommand(service MutatingService) *SubmitBackfillCommand {
	return &SubmitBackfillCommand{service: service}
}

func (c *SubmitBackfillCommand) Execute(ctx context.Context, msg SubmitBackfillMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: backfill service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	job, err := c.service.SubmitBackfill(ctx, msg.Input)
	if err != nil {
		return err
	}
	if msg.Enqueue {
		if err := c.service.EnqueueBackfill(ctx, job.ID); err != nil {
			return err
		}
	}
	storeResult(ctx, job)
	return nil
}

type RunBackfillCommand struct {
	service MutatingService
}

func NewRunBackfillCommand(service MutatingService) *RunBackfillCommand {
	return &RunBackfillCommand{service: service}
}

func (c *RunBackfillCommand) Execute(ctx context.Context, msg RunBackfillMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: backfill service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	job, err := c.service.RunBackfill(ctx, strings.TrimSpace(msg.JobID), msg.Source)
	storeResult(ctx, job)
	return err
}

type ResumeBackfillCommand struct {
	service MutatingService
}

func NewResumeBackfillCommand(service MutatingService) *ResumeBackfillCommand {
	return &ResumeBackfillCommand{service: service}
}

func (c *ResumeBackfillCommand) Execute(ctx context.Context, msg ResumeBackfillMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: backfill service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	jobID := strings.TrimSpace(msg.JobID)
	if msg.Source == nil {
		return c.service.EnqueueBackfill(ctx, jobID)
	}
	job, err := c.service.ResumeBackfill(ctx, jobID, msg.Source)
	storeResult(ctx, job)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
