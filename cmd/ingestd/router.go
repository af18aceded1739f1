package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	ingest "github.com/goliatone/go-ingest"
	"github.com/goliatone/go-ingest/backfill"
	ingestcommand "github.com/goliatone/go-ingest/command"
	"github.com/goliatone/go-ingest/core"
	ingestquery "github.com/goliatone/go-ingest/query"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxUploadBytes = 256 << 20

type server struct {
	service    *ingest.Service
	facade     *ingest.Facade
	stagingDir string
	logger     core.Logger
}

func newRouter(srv *server, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", srv.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodPost, "/webhooks/{provider}", srv.service.WebhookHandler(func(req *http.Request) string {
		return chi.URLParam(req, "provider")
	}))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/dlq", srv.listDeadLetters)
		r.Get("/dlq/{deliveryId}", srv.getDeadLetter)
		r.Post("/dlq/{deliveryId}/replay", srv.replayDeadLetter)
		r.Get("/deliveries/{deliveryId}", srv.getDelivery)
		r.Post("/backfills", srv.submitBackfill)
		r.Get("/backfills/{id}", srv.getBackfill)
		r.Post("/backfills/{id}/resume", srv.resumeBackfill)
	})
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, core.NewError("limit must be an integer", goerrors.CategoryBadInput, core.ErrorBadInput, nil))
			return
		}
		limit = parsed
	}
	entries, err := s.facade.Queries().ListDeadLetters.Query(r.Context(), ingestquery.ListDeadLettersMessage{Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "count": len(entries)})
}

func (s *server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.facade.Queries().GetDeadLetter.Query(r.Context(), ingestquery.GetDeadLetterMessage{
		DeliveryID: chi.URLParam(r, "deliveryId"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// replayDeadLetter redrives the delivery through the pipeline. With
// redrive=false it only resets the record and returns the stored payload.
func (s *server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryId")
	if strings.EqualFold(r.URL.Query().Get("redrive"), "false") {
		collector := gocmd.NewResult[ingestcommand.ReplayResult]()
		ctx := gocmd.ContextWithResult(r.Context(), collector)
		if err := s.facade.Commands().ReplayDeadLetter.Execute(ctx, ingestcommand.ReplayDeadLetterMessage{DeliveryID: deliveryID}); err != nil {
			s.writeError(w, r, err)
			return
		}
		result, _ := collector.Load()
		writeJSON(w, http.StatusOK, map[string]any{
			"deliveryId": result.DeliveryID,
			"status":     string(core.DeliveryStatusPending),
			"payload":    json.RawMessage(jsonOrString(result.Payload)),
		})
		return
	}

	if err := s.facade.Commands().RedriveDeadLetter.Execute(r.Context(), ingestcommand.RedriveDeadLetterMessage{DeliveryID: deliveryID}); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.facade.Queries().GetDelivery.Query(r.Context(), ingestquery.GetDeliveryMessage{DeliveryID: deliveryID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveryId": record.DeliveryID,
		"status":     string(record.Status),
		"retryCount": record.RetryCount,
	})
}

func (s *server) getDelivery(w http.ResponseWriter, r *http.Request) {
	record, err := s.facade.Queries().GetDelivery.Query(r.Context(), ingestquery.GetDeliveryMessage{
		DeliveryID: chi.URLParam(r, "deliveryId"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveryId": record.DeliveryID,
		"eventType":  record.EventType,
		"status":     string(record.Status),
		"retryCount": record.RetryCount,
		"lastError":  record.LastError,
	})
}

// submitBackfill spools the CSV to the staging dir and queues the job.
// Accepts multipart form uploads (field "file") or a raw text/csv body.
func (s *server) submitBackfill(w http.ResponseWriter, r *http.Request) {
	fileName, source, err := uploadedCSV(w, r)
	if err != nil {
		s.writeError(w, r, core.WrapError(err, goerrors.CategoryBadInput, err.Error(), core.ErrorBadInput, nil))
		return
	}
	defer source.Close()

	staged := uuid.NewString() + ".csv"
	rows, err := spool(filepath.Join(s.stagingDir, staged), source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	collector := gocmd.NewResult[core.BackfillJob]()
	ctx := gocmd.ContextWithResult(r.Context(), collector)
	if err := s.facade.Commands().SubmitBackfill.Execute(ctx, ingestcommand.SubmitBackfillMessage{
		Input: backfill.SubmitInput{
			FileName:  fileName,
			TotalRows: rows,
			Metadata:  map[string]any{backfill.MetadataSourceKey: staged},
		},
		Enqueue: true,
	}); err != nil {
		_ = os.Remove(filepath.Join(s.stagingDir, staged))
		s.writeError(w, r, err)
		return
	}
	job, _ := collector.Load()
	w.Header().Set("Location", "/admin/backfills/"+job.ID)
	writeJSON(w, http.StatusAccepted, jobResponse(job))
}

func (s *server) getBackfill(w http.ResponseWriter, r *http.Request) {
	job, err := s.facade.Queries().GetBackfillJob.Query(r.Context(), ingestquery.GetBackfillJobMessage{JobID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *server) resumeBackfill(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.facade.Commands().ResumeBackfill.Execute(r.Context(), ingestcommand.ResumeBackfillMessage{JobID: jobID}); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.facade.Queries().GetBackfillJob.Query(r.Context(), ingestquery.GetBackfillJobMessage{JobID: jobID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse(job))
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := core.MapError(err)
	if mapped.Code >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("admin request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err.Error(),
		)
	}
	writeJSON(w, mapped.Code, map[string]any{
		"error": map[string]any{
			"code":    mapped.TextCode,
			"message": mapped.Message,
		},
	})
}

func uploadedCSV(w http.ResponseWriter, r *http.Request) (string, io.ReadCloser, error) {
	if r.Body == nil {
		return "", nil, errors.New("csv body is required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("multipart field \"file\" is required: %w", err)
		}
		return header.Filename, file, nil
	}
	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		name = "upload.csv"
	}
	return name, r.Body, nil
}

// spool copies source to path and returns the number of data rows, which
// is the line count minus the header.
func spool(path string, source io.Reader) (int, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("stage backfill source: %w", err)
	}
	counter := &lineCounter{}
	written, err := io.Copy(io.MultiWriter(file, counter), source)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("stage backfill source: %w", err)
	}
	if written == 0 {
		_ = os.Remove(path)
		return 0, core.NewError("csv body is required", goerrors.CategoryBadInput, core.ErrorBadInput, nil)
	}
	lines := counter.lines
	if !counter.endsWithNewline {
		lines++
	}
	if lines > 0 {
		lines--
	}
	return lines, nil
}

type lineCounter struct {
	lines           int
	endsWithNewline bool
}

func (c *lineCounter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			c.lines++
		}
	}
	if len(p) > 0 {
		c.endsWithNewline = p[len(p)-1] == '\n'
	}
	return len(p), nil
}

func jobResponse(job core.BackfillJob) map[string]any {
	out := map[string]any{
		"id":             job.ID,
		"fileName":       job.FileName,
		"status":         string(job.Status),
		"totalRows":      job.TotalRows,
		"processedRows":  job.ProcessedRows,
		"successfulRows": job.SuccessfulRows,
		"failedRows":     job.FailedRows,
		"lastRow":        job.LastProcessedRow,
		"attempts":       job.Attempts,
		"errorFilePath":  job.ErrorFilePath,
		"createdAt":      job.CreatedAt.Format(time.RFC3339),
		"updatedAt":      job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LastError != "" {
		out["lastError"] = job.LastError
	}
	return out
}

func jsonOrString(payload []byte) []byte {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
