package backfill

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
)

const DefaultStaleAfter = 10 * time.Minute

type SubmitInput struct {
	FileName  string
	TotalRows int
	Metadata  map[string]any
}

type Engine struct {
	Jobs      core.BackfillJobStore
	Mapper    RowMapper
	Resolver  ReferenceResolver
	Persister RecordPersister
	Emitter   EventEmitter
	Reports   ReportWriter
	BatchSize int
	// StaleAfter is how long a running job may go without a checkpoint
	// before Resume treats its run as abandoned.
	StaleAfter time.Duration
	Observer   core.Observer
}

func NewEngine(jobs core.BackfillJobStore, mapper RowMapper, emitter EventEmitter, cfg core.BackfillConfig) *Engine {
	return &Engine{
		Jobs:       jobs,
		Mapper:     mapper,
		Emitter:    emitter,
		Reports:    CSVReportWriter{Dir: cfg.ReportDir},
		BatchSize:  cfg.BatchSize,
		StaleAfter: DefaultStaleAfter,
	}
}

func (e *Engine) Submit(ctx context.Context, in SubmitInput) (core.BackfillJob, error) {
	if e == nil || e.Jobs == nil {
		return core.BackfillJob{}, fmt.Errorf("backfill: job store is required")
	}
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		return core.BackfillJob{}, fmt.Errorf("backfill: file name is required")
	}
	if in.TotalRows < 0 {
		return core.BackfillJob{}, fmt.Errorf("backfill: total rows must be >= 0")
	}
	job, err := e.Jobs.Create(ctx, core.BackfillJob{
		FileName:  fileName,
		TotalRows: in.TotalRows,
		Status:    core.BackfillJobStatusPending,
		Metadata:  in.Metadata,
	})
	if err != nil {
		return core.BackfillJob{}, err
	}
	e.Observer.Info(ctx, "backfill job submitted", map[string]any{
		"job_id":    job.ID,
		"file_name": job.FileName,
	})
	return job, nil
}

func (e *Engine) Get(ctx context.Context, jobID string) (core.BackfillJob, error) {
	if e == nil || e.Jobs == nil {
		return core.BackfillJob{}, fmt.Errorf("backfill: job store is required")
	}
	return e.Jobs.Get(ctx, jobID)
}

// Run executes a pending job over source. Paused and failed jobs go through
// Resume.
func (e *Engine) Run(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return core.BackfillJob{}, err
	}
	switch job.Status {
	case core.BackfillJobStatusPending:
	case core.BackfillJobStatusCompleted:
		return job, fmt.Errorf("%w: job %q", core.ErrJobCompleted, job.ID)
	case core.BackfillJobStatusRunning:
		return job, fmt.Errorf("%w: job %q", core.ErrJobAlreadyRunning, job.ID)
	default:
		return job, fmt.Errorf("%w: job %q is %s, resume it instead", core.ErrInvalidBackfillJobTransition, job.ID, job.Status)
	}
	return e.execute(ctx, job.ID, source)
}

// Resume continues a job from its last checkpoint. source must be the same
// file the job started with.
func (e *Engine) Resume(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	job, err := e.Get(ctx, jobID)
	if err != nil {
		return core.BackfillJob{}, err
	}
	if job.Terminal() {
		return job, fmt.Errorf("%w: job %q", core.ErrJobCompleted, job.ID)
	}
	if job.Status == core.BackfillJobStatusRunning {
		recovered, ok, err := e.Jobs.RecoverStale(ctx, job.ID, time.Now().UTC().Add(-e.staleAfter()))
		if err != nil {
			return job, err
		}
		if !ok {
			return recovered, fmt.Errorf("%w: job %q", core.ErrJobAlreadyRunning, job.ID)
		}
		e.Observer.Warn(ctx, "backfill job recovered from abandoned run", map[string]any{
			"job_id":             job.ID,
			"last_processed_row": recovered.LastProcessedRow,
		})
	}
	return e.execute(ctx, job.ID, source)
}

func (e *Engine) execute(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	if e.Mapper == nil || e.Emitter == nil {
		return core.BackfillJob{}, fmt.Errorf("backfill: row mapper and event emitter are required")
	}
	if source == nil {
		return core.BackfillJob{}, fmt.Errorf("backfill: source is required")
	}
	job, err := e.Jobs.Start(ctx, jobID)
	if err != nil {
		return job, err
	}
	startedAt := time.Now()
	e.Observer.Info(ctx, "backfill job started", map[string]any{
		"job_id":      job.ID,
		"attempt":     job.Attempts,
		"resume_from": job.LastProcessedRow + 1,
	})

	run := &jobRun{
		engine:     e,
		job:        job,
		checkpoint: job.Checkpoint(),
		batchSize:  e.batchSize(),
	}
	finished, err := run.execute(ctx, source)
	e.Observer.ObserveOperation(ctx, startedAt, "backfill_run", err, map[string]any{
		"job_id":          finished.ID,
		"job_status":      string(finished.Status),
		"processed_rows":  finished.ProcessedRows,
		"successful_rows": finished.SuccessfulRows,
		"failed_rows":     finished.FailedRows,
		"source":          core.EventSourceBackfill,
		"outcome":         string(finished.Status),
	})
	return finished, err
}

func (e *Engine) staleAfter() time.Duration {
	if e != nil && e.StaleAfter > 0 {
		return e.StaleAfter
	}
	return DefaultStaleAfter
}

func (e *Engine) batchSize() int {
	if e != nil && e.BatchSize > 0 {
		return e.BatchSize
	}
	return core.DefaultBatchSize
}

type jobRun struct {
	engine     *Engine
	job        core.BackfillJob
	checkpoint core.BackfillCheckpoint
	batchSize  int
	rowNumber  int
	header     []string
}

func (r *jobRun) execute(ctx context.Context, source io.Reader) (core.BackfillJob, error) {
	reader := csv.NewReader(source)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return r.complete(ctx)
	}
	if err != nil {
		return r.fail(ctx, fmt.Errorf("backfill: read header: %w", err))
	}
	r.header = normalizeHeader(header)

	for r.rowNumber < r.checkpoint.LastProcessedRow {
		if _, err := reader.Read(); err != nil && !isRowParseError(err) {
			if errors.Is(err, io.EOF) {
				return r.complete(ctx)
			}
			return r.fail(ctx, fmt.Errorf("backfill: skip row %d: %w", r.rowNumber+1, err))
		}
		r.rowNumber++
	}

	batch := make([]Row, 0, r.batchSize)
	for {
		if err := ctx.Err(); err != nil {
			return r.pause(ctx, err)
		}
		values, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !isRowParseError(err) {
			return r.fail(ctx, fmt.Errorf("backfill: read row %d: %w", r.rowNumber+1, err))
		}
		r.rowNumber++
		batch = append(batch, Row{Number: r.rowNumber, Header: r.header, Values: values, parseErr: err})
		if len(batch) < r.batchSize {
			continue
		}
		if err := r.flush(ctx, batch); err != nil {
			return r.abort(ctx, err)
		}
		batch = batch[:0]
	}
	if len(batch) > 0 {
		if err := r.flush(ctx, batch); err != nil {
			return r.abort(ctx, err)
		}
	}
	return r.complete(ctx)
}

// flush maps, persists and emits one batch, then checkpoints it. Nothing is
// checkpointed when flush returns an error.
func (r *jobRun) flush(ctx context.Context, batch []Row) error {
	engine := r.engine
	var rowErrs []core.BackfillError
	records := make([]Record, 0, len(batch))
	for _, row := range batch {
		record, err := r.mapRow(ctx, row)
		if err != nil {
			rowErrs = append(rowErrs, rowError(row, err))
			continue
		}
		records = append(records, record)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lastRow := batch[len(batch)-1].Number
	if engine.Persister != nil && len(records) > 0 {
		if err := engine.Persister.PersistBatch(ctx, records); err != nil {
			return fmt.Errorf("backfill: persist batch ending at row %d: %w", lastRow, err)
		}
	}

	successful := 0
	for _, record := range records {
		event, err := r.event(record)
		if err == nil {
			err = engine.Emitter.Emit(ctx, event)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rowErrs = append(rowErrs, rowError(batch[record.Row-batch[0].Number], err))
			continue
		}
		successful++
	}

	next := r.checkpoint
	next.ProcessedRows += len(batch)
	next.SuccessfulRows += successful
	next.FailedRows += len(rowErrs)
	next.LastProcessedRow = lastRow
	sort.SliceStable(rowErrs, func(i, j int) bool { return rowErrs[i].Row < rowErrs[j].Row })
	job, err := engine.Jobs.SaveCheckpoint(ctx, r.job.ID, next, rowErrs)
	if err != nil {
		return fmt.Errorf("backfill: save checkpoint at row %d: %w", lastRow, err)
	}
	r.job = job
	r.checkpoint = next

	engine.Observer.Count(ctx, core.MetricBackfillBatches, 1, map[string]string{"source": core.EventSourceBackfill})
	engine.Observer.Count(ctx, core.MetricBackfillRows, int64(successful), map[string]string{"outcome": "success"})
	engine.Observer.Count(ctx, core.MetricBackfillRows, int64(len(rowErrs)), map[string]string{"outcome": "failure"})
	engine.Observer.Debug(ctx, "backfill batch committed", map[string]any{
		"job_id":             r.job.ID,
		"last_processed_row": lastRow,
		"successful_rows":    successful,
		"failed_rows":        len(rowErrs),
	})
	return nil
}

func (r *jobRun) mapRow(ctx context.Context, row Row) (Record, error) {
	if row.parseErr != nil {
		return Record{}, fmt.Errorf("malformed csv row: %w", row.parseErr)
	}
	if len(row.Values) != len(row.Header) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(row.Header), len(row.Values))
	}
	record, err := r.engine.Mapper.MapRow(ctx, row)
	if err != nil {
		return Record{}, err
	}
	if r.engine.Resolver != nil {
		record, err = r.engine.Resolver.Resolve(ctx, record)
		if err != nil {
			return Record{}, err
		}
	}
	record.Row = row.Number
	record.EventType = strings.TrimSpace(record.EventType)
	if record.EventType == "" {
		return Record{}, fmt.Errorf("event type is required")
	}
	return record, nil
}

func (r *jobRun) event(record Record) (core.Event, error) {
	deliveryID := strings.TrimSpace(record.DeliveryID)
	if deliveryID == "" {
		deliveryID = DeliveryID(r.job.ID, record.Row)
	}
	payload := record.Payload
	if len(payload) == 0 {
		encoded, err := json.Marshal(map[string]any{
			"type": record.EventType,
			"data": record.Data,
		})
		if err != nil {
			return core.Event{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = encoded
	}
	metadata := map[string]any{
		"backfill_job_id": r.job.ID,
		"row":             record.Row,
	}
	if key := strings.TrimSpace(record.NaturalKey); key != "" {
		metadata["natural_key"] = key
	}
	return core.Event{
		DeliveryID: deliveryID,
		EventType:  record.EventType,
		Payload:    payload,
		Source:     core.EventSourceBackfill,
		Metadata:   metadata,
	}, nil
}

// complete writes the error report from every row error checkpointed for
// the job, including those from earlier attempts.
func (r *jobRun) complete(ctx context.Context) (core.BackfillJob, error) {
	path := ""
	if r.checkpoint.FailedRows > 0 && r.engine.Reports != nil {
		rowErrs, err := r.engine.Jobs.ListErrors(ctx, r.job.ID)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("backfill: load row errors: %w", err))
		}
		written, err := r.engine.Reports.WriteReport(ctx, r.job, r.header, rowErrs)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("backfill: write error report: %w", err))
		}
		path = written
	}
	job, err := r.engine.Jobs.Finish(ctx, r.job.ID, core.BackfillFinish{
		Status:        core.BackfillJobStatusCompleted,
		TotalRows:     r.rowNumber,
		ErrorFilePath: path,
	})
	if err != nil {
		return r.job, err
	}
	r.engine.Observer.Info(ctx, "backfill job completed", map[string]any{
		"job_id":          job.ID,
		"total_rows":      job.TotalRows,
		"failed_rows":     job.FailedRows,
		"error_file_path": job.ErrorFilePath,
	})
	return job, nil
}

func (r *jobRun) abort(ctx context.Context, cause error) (core.BackfillJob, error) {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return r.pause(ctx, cause)
	}
	return r.fail(ctx, cause)
}

// fail marks the job failed and keeps the last checkpoint.
func (r *jobRun) fail(ctx context.Context, cause error) (core.BackfillJob, error) {
	job, err := r.engine.Jobs.Finish(context.WithoutCancel(ctx), r.job.ID, core.BackfillFinish{
		Status:    core.BackfillJobStatusFailed,
		LastError: cause.Error(),
	})
	if err != nil {
		job = r.job
	}
	return job, core.WrapError(cause, goerrors.CategoryOperation, "backfill job failed", core.ErrorJobFailed, map[string]any{
		"job_id":             r.job.ID,
		"last_processed_row": r.checkpoint.LastProcessedRow,
	})
}

func (r *jobRun) pause(ctx context.Context, cause error) (core.BackfillJob, error) {
	job, err := r.engine.Jobs.Finish(context.WithoutCancel(ctx), r.job.ID, core.BackfillFinish{
		Status:    core.BackfillJobStatusPaused,
		LastError: cause.Error(),
	})
	if err != nil {
		job = r.job
	}
	r.engine.Observer.Warn(ctx, "backfill job paused", map[string]any{
		"job_id":             r.job.ID,
		"last_processed_row": r.checkpoint.LastProcessedRow,
	})
	return job, cause
}

// DeliveryID is the delivery id emitted for a backfill row.
func DeliveryID(jobID string, row int) string {
	return fmt.Sprintf("backfill:%s:%d", strings.TrimSpace(jobID), row)
}

func rowError(row Row, err error) core.BackfillError {
	return core.BackfillError{
		Row:   row.Number,
		Data:  row.Fields(),
		Error: err.Error(),
	}
}

// isRowParseError reports whether err is a csv syntax error confined to one
// record. The reader has consumed that record and can continue.
func isRowParseError(err error) bool {
	var parseErr *csv.ParseError
	return errors.As(err, &parseErr)
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		out[i] = name
	}
	return out
}
