package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type deliveryRecordModel struct {
	bun.BaseModel `bun:"table:ingest_delivery_records,alias:idr"`

	ID             string    `bun:"id,pk"`
	DeliveryID     string    `bun:"delivery_id,notnull"`
	EventType      string    `bun:"event_type,notnull"`
	PayloadHash    string    `bun:"payload_hash,notnull"`
	Payload        []byte    `bun:"payload"`
	Status         string    `bun:"status,notnull"`
	RetryCount     int       `bun:"retry_count,notnull"`
	LastError      string    `bun:"last_error,notnull"`
	LeaseExpiresAt int64     `bun:"lease_expires_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:ingest_dead_letters,alias:idl"`

	ID            string     `bun:"id,pk"`
	DeliveryID    string     `bun:"delivery_id,notnull"`
	EventType     string     `bun:"event_type,notnull"`
	Payload       []byte     `bun:"payload"`
	RetryCount    int        `bun:"retry_count,notnull"`
	FailureReason string     `bun:"failure_reason,notnull"`
	PublishedAt   time.Time  `bun:"published_at,nullzero,notnull,default:current_timestamp"`
	ResolvedAt    *time.Time `bun:"resolved_at,nullzero"`
}

type backfillJobRecord struct {
	bun.BaseModel `bun:"table:ingest_backfill_jobs,alias:ibj"`

	ID               string         `bun:"id,pk"`
	FileName         string         `bun:"file_name,notnull"`
	TotalRows        int            `bun:"total_rows,notnull"`
	ProcessedRows    int            `bun:"processed_rows,notnull"`
	SuccessfulRows   int            `bun:"successful_rows,notnull"`
	FailedRows       int            `bun:"failed_rows,notnull"`
	LastProcessedRow int            `bun:"last_processed_row,notnull"`
	Status           string         `bun:"status,notnull"`
	ErrorFilePath    string         `bun:"error_file_path,notnull"`
	LastError        string         `bun:"last_error,notnull"`
	Attempts         int            `bun:"attempts,notnull"`
	Metadata         map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type backfillJobErrorRecord struct {
	bun.BaseModel `bun:"table:ingest_backfill_job_errors,alias:ibje"`

	JobID     string            `bun:"job_id,pk"`
	SourceRow int               `bun:"source_row,pk"`
	Data      map[string]string `bun:"data,type:jsonb,notnull"`
	Error     string            `bun:"error,notnull"`
	CreatedAt time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
