package sqlstore

import (
	"time"

	"github.com/goliatone/go-ingest/core"
)

func (r *deliveryRecordModel) toDomain() core.DeliveryRecord {
	if r == nil {
		return core.DeliveryRecord{}
	}
	record := core.DeliveryRecord{
		DeliveryID:  r.DeliveryID,
		EventType:   r.EventType,
		PayloadHash: r.PayloadHash,
		Payload:     append([]byte(nil), r.Payload...),
		Status:      core.DeliveryStatus(r.Status),
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LeaseExpiresAt > 0 {
		expires := time.UnixMilli(r.LeaseExpiresAt).UTC()
		record.LeaseExpiresAt = &expires
	}
	return record
}

func (r *deadLetterRecord) toDomain() core.DeadLetterEntry {
	if r == nil {
		return core.DeadLetterEntry{}
	}
	entry := core.DeadLetterEntry{
		DeliveryID:    r.DeliveryID,
		EventType:     r.EventType,
		Payload:       append([]byte(nil), r.Payload...),
		RetryCount:    r.RetryCount,
		FailureReason: r.FailureReason,
		PublishedAt:   r.PublishedAt,
	}
	if r.ResolvedAt != nil {
		resolved := *r.ResolvedAt
		entry.ResolvedAt = &resolved
	}
	return entry
}

func (r *backfillJobRecord) toDomain() core.BackfillJob {
	if r == nil {
		return core.BackfillJob{}
	}
	return core.BackfillJob{
		ID:               r.ID,
		FileName:         r.FileName,
		TotalRows:        r.TotalRows,
		ProcessedRows:    r.ProcessedRows,
		SuccessfulRows:   r.SuccessfulRows,
		FailedRows:       r.FailedRows,
		LastProcessedRow: r.LastProcessedRow,
		Status:           core.BackfillJobStatus(r.Status),
		ErrorFilePath:    r.ErrorFilePath,
		LastError:        r.LastError,
		Attempts:         r.Attempts,
		Metadata:         copyAnyMap(r.Metadata),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func newBackfillJobRecord(job core.BackfillJob, now time.Time) *backfillJobRecord {
	return &backfillJobRecord{
		ID:               job.ID,
		FileName:         job.FileName,
		TotalRows:        job.TotalRows,
		ProcessedRows:    job.ProcessedRows,
		SuccessfulRows:   job.SuccessfulRows,
		FailedRows:       job.FailedRows,
		LastProcessedRow: job.LastProcessedRow,
		Status:           string(job.Status),
		ErrorFilePath:    job.ErrorFilePath,
		LastError:        job.LastError,
		Attempts:         job.Attempts,
		Metadata:         copyAnyMap(job.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (r *backfillJobErrorRecord) toDomain() core.BackfillError {
	if r == nil {
		return core.BackfillError{}
	}
	data := make(map[string]string, len(r.Data))
	for key, value := range r.Data {
		data[key] = value
	}
	return core.BackfillError{Row: r.SourceRow, Data: data, Error: r.Error}
}

func newBackfillJobErrorRecords(jobID string, rowErrors []core.BackfillError, now time.Time) []*backfillJobErrorRecord {
	records := make([]*backfillJobErrorRecord, 0, len(rowErrors))
	for _, rowErr := range rowErrors {
		data := make(map[string]string, len(rowErr.Data))
		for key, value := range rowErr.Data {
			data[key] = value
		}
		records = append(records, &backfillJobErrorRecord{
			JobID:     jobID,
			SourceRow: rowErr.Row,
			Data:      data,
			Error:     rowErr.Error,
			CreatedAt: now,
		})
	}
	return records
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
