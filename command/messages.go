package command

import (
	"io"
	"strings"

	"github.com/goliatone/go-ingest/backfill"
)

const (
	TypeReplayDeadLetter  = "ingest.command.dead_letter.replay"
	TypeRedriveDeadLetter = "ingest.command.dead_letter.redrive"
	TypeSubmitBackfill    = "ingest.command.backfill.submit"
	TypeRunBackfill       = "ingest.command.backfill.run"
	TypeResumeBackfill    = "ingest.command.backfill.resume"
)

type ReplayDeadLetterMessage struct {
	DeliveryID string
}

func (ReplayDeadLetterMessage) Type() string { return TypeReplayDeadLetter }

func (m ReplayDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return commandValidationError("delivery_id", "delivery id is required")
	}
	return nil
}

type RedriveDeadLetterMessage struct {
	DeliveryID string
}

func (RedriveDeadLetterMessage) Type() string { return TypeRedriveDeadLetter }

func (m RedriveDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return commandValidationError("delivery_id", "delivery id is required")
	}
	return nil
}

// SubmitBackfillMessage registers a job. With Enqueue set the job is handed
// to the backfill worker queue right away.
type SubmitBackfillMessage struct {
	Input   backfill.SubmitInput
	Enqueue bool
}

func (SubmitBackfillMessage) Type() string { return TypeSubmitBackfill }

func (m SubmitBackfillMessage) Validate() error {
	if strings.TrimSpace(m.Input.FileName) == "" {
		return commandValidationError("file_name", "file name is required")
	}
	if m.Input.TotalRows < 0 {
		return commandValidationError("total_rows", "total rows must be >= 0")
	}
	return nil
}

type RunBackfillMessage struct {
	JobID  string
	Source io.Reader
}

func (RunBackfillMessage) Type() string { return TypeRunBackfill }

func (m RunBackfillMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "job id is required")
	}
	if m.Source == nil {
		return commandValidationError("source", "source is required")
	}
	return nil
}

// ResumeBackfillMessage resumes a job inline when Source is set, otherwise
// it re-enqueues the job for the backfill worker.
type ResumeBackfillMessage struct {
	JobID  string
	Source io.Reader
}

func (ResumeBackfillMessage) Type() string { return TypeResumeBackfill }

func (m ResumeBackfillMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "job id is required")
	}
	return nil
}
