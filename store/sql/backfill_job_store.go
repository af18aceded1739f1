package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BackfillJobStore struct {
	db   *bun.DB
	repo repository.Repository[*backfillJobRecord]
}

func NewBackfillJobStore(db *bun.DB) (*BackfillJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*backfillJobRecord](db, backfillJobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid backfill job repository wiring: %w", err)
		}
	}
	return &BackfillJobStore{db: db, repo: repo}, nil
}

func (s *BackfillJobStore) Create(ctx context.Context, job core.BackfillJob) (core.BackfillJob, error) {
	if s == nil || s.repo == nil {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	job.FileName = strings.TrimSpace(job.FileName)
	if job.FileName == "" {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: file name is required")
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = core.BackfillJobStatusPending
	}
	now := time.Now().UTC()
	record := newBackfillJobRecord(job, now)
	if !job.CreatedAt.IsZero() {
		record.CreatedAt = job.CreatedAt.UTC()
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.BackfillJob{}, err
	}
	return created.toDomain(), nil
}

func (s *BackfillJobStore) Get(ctx context.Context, id string) (core.BackfillJob, error) {
	if s == nil || s.db == nil {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	record, err := s.get(ctx, id)
	if err != nil {
		return core.BackfillJob{}, err
	}
	return record.toDomain(), nil
}

// Start swaps a pending, paused or failed job to running and bumps its
// attempt counter.
func (s *BackfillJobStore) Start(ctx context.Context, id string) (core.BackfillJob, error) {
	if s == nil || s.db == nil {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: job id is required")
	}
	resumable := make([]string, 0, 3)
	for _, status := range core.ResumableStatuses() {
		resumable = append(resumable, string(status))
	}
	res, err := s.db.NewUpdate().
		Model((*backfillJobRecord)(nil)).
		Set("status = ?", string(core.BackfillJobStatusRunning)).
		Set("attempts = attempts + 1").
		Set("last_error = ''").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(resumable)).
		Exec(ctx)
	if err != nil {
		return core.BackfillJob{}, err
	}
	record, err := s.get(ctx, id)
	if err != nil {
		return core.BackfillJob{}, err
	}
	if affected(res) == 0 {
		switch core.BackfillJobStatus(record.Status) {
		case core.BackfillJobStatusCompleted:
			return record.toDomain(), fmt.Errorf("%w: job %q", core.ErrJobCompleted, id)
		case core.BackfillJobStatusRunning:
			return record.toDomain(), fmt.Errorf("%w: job %q", core.ErrJobAlreadyRunning, id)
		default:
			return record.toDomain(), fmt.Errorf("%w: job %q is %s", core.ErrInvalidBackfillJobTransition, id, record.Status)
		}
	}
	return record.toDomain(), nil
}

// SaveCheckpoint records the batch's row errors and advances the job's
// counters in one transaction. Nothing is written unless the job is running.
func (s *BackfillJobStore) SaveCheckpoint(
	ctx context.Context,
	id string,
	checkpoint core.BackfillCheckpoint,
	rowErrors []core.BackfillError,
) (core.BackfillJob, error) {
	if s == nil || s.db == nil {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	id = strings.TrimSpace(id)
	var saved core.BackfillJob
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		res, err := tx.NewUpdate().
			Model((*backfillJobRecord)(nil)).
			Set("processed_rows = ?", checkpoint.ProcessedRows).
			Set("successful_rows = ?", checkpoint.SuccessfulRows).
			Set("failed_rows = ?", checkpoint.FailedRows).
			Set("last_processed_row = ?", checkpoint.LastProcessedRow).
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Where("status = ?", string(core.BackfillJobStatusRunning)).
			Exec(ctx)
		if err != nil {
			return err
		}
		record := &backfillJobRecord{}
		if err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.id = ?", id).
			Limit(1).
			Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id %q", core.ErrBackfillJobNotFound, id)
			}
			return err
		}
		saved = record.toDomain()
		if affected(res) == 0 {
			return fmt.Errorf("%w: checkpoint on %s job %q", core.ErrInvalidBackfillJobTransition, record.Status, id)
		}
		if len(rowErrors) == 0 {
			return nil
		}
		rows := newBackfillJobErrorRecords(id, rowErrors, now)
		_, err = tx.NewInsert().
			Model(&rows).
			On("CONFLICT (job_id, source_row) DO NOTHING").
			Exec(ctx)
		return err
	})
	if err != nil {
		return saved, err
	}
	return saved, nil
}

// ListErrors returns the row errors checkpointed for a job, ordered by row.
func (s *BackfillJobStore) ListErrors(ctx context.Context, id string) ([]core.BackfillError, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	var records []*backfillJobErrorRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.job_id = ?", strings.TrimSpace(id)).
		OrderExpr("?TableAlias.source_row ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.BackfillError, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Finish moves a running job to completed, failed or paused.
func (s *BackfillJobStore) Finish(ctx context.Context, id string, finish core.BackfillFinish) (core.BackfillJob, error) {
	if s == nil || s.db == nil {
		return core.BackfillJob{}, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	id = strings.TrimSpace(id)
	if !core.BackfillJobTransitionAllowed(core.BackfillJobStatusRunning, finish.Status) {
		return core.BackfillJob{}, fmt.Errorf("%w: running -> %s", core.ErrInvalidBackfillJobTransition, finish.Status)
	}
	query := s.db.NewUpdate().
		Model((*backfillJobRecord)(nil)).
		Set("status = ?", string(finish.Status)).
		Set("last_error = ?", strings.TrimSpace(finish.LastError)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", string(core.BackfillJobStatusRunning))
	if path := strings.TrimSpace(finish.ErrorFilePath); path != "" {
		query = query.Set("error_file_path = ?", path)
	}
	if finish.TotalRows > 0 {
		query = query.Set("total_rows = ?", finish.TotalRows)
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return core.BackfillJob{}, err
	}
	record, err := s.get(ctx, id)
	if err != nil {
		return core.BackfillJob{}, err
	}
	if affected(res) == 0 {
		return record.toDomain(), fmt.Errorf("%w: %s -> %s for job %q", core.ErrInvalidBackfillJobTransition, record.Status, finish.Status, id)
	}
	return record.toDomain(), nil
}

func (s *BackfillJobStore) RecoverStale(
	ctx context.Context,
	id string,
	staleBefore time.Time,
) (core.BackfillJob, bool, error) {
	if s == nil || s.db == nil {
		return core.BackfillJob{}, false, fmt.Errorf("sqlstore: backfill job store is not configured")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		Model((*backfillJobRecord)(nil)).
		Set("status = ?", string(core.BackfillJobStatusPaused)).
		Set("last_error = ?", "recovered abandoned run").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", string(core.BackfillJobStatusRunning)).
		Where("updated_at < ?", staleBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return core.BackfillJob{}, false, err
	}
	record, err := s.get(ctx, id)
	if err != nil {
		return core.BackfillJob{}, false, err
	}
	return record.toDomain(), affected(res) == 1, nil
}

func (s *BackfillJobStore) get(ctx context.Context, id string) (*backfillJobRecord, error) {
	id = strings.TrimSpace(id)
	record := &backfillJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %q", core.ErrBackfillJobNotFound, id)
		}
		return nil, err
	}
	return record, nil
}
