package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ingest "github.com/goliatone/go-ingest"
	ingestprometheus "github.com/goliatone/go-ingest/adapters/prometheus"
	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"
	sqlstore "github.com/goliatone/go-ingest/store/sql"
	"github.com/prometheus/client_golang/prometheus"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestServiceRawConfigMapsEnvironment(t *testing.T) {
	raw, err := serviceRawConfig(envMap(map[string]string{
		"INGEST_SIGNATURE_SECRET":     "whsec",
		"INGEST_DELIVERY_MAX_RETRIES": "5",
		"INGEST_SIGNATURE_TOLERANCE":  "2m",
		"INGEST_EVENT_TYPE_HEADER":    "X-Acme-Topic",
	}))
	if err != nil {
		t.Fatalf("raw config: %v", err)
	}
	signature, _ := raw["signature"].(map[string]any)
	if signature["secret"] != "whsec" || signature["tolerance"] != 2*time.Minute {
		t.Fatalf("unexpected signature section: %#v", signature)
	}
	delivery, _ := raw["delivery"].(map[string]any)
	if delivery["max_retries"] != 5 || delivery["event_type_header"] != "X-Acme-Topic" {
		t.Fatalf("unexpected delivery section: %#v", delivery)
	}
	if _, ok := raw["backfill"]; ok {
		t.Fatalf("expected unset sections to be omitted")
	}

	if _, err := serviceRawConfig(envMap(map[string]string{"INGEST_BACKFILL_BATCH_SIZE": "many"})); err == nil {
		t.Fatalf("expected invalid integer to fail")
	}
}

func TestLoadDaemonConfigDefaults(t *testing.T) {
	cfg, err := loadDaemonConfig(envMap(map[string]string{"INGEST_CACHE_TTL": "30s"}))
	if err != nil {
		t.Fatalf("daemon config: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DBDriver != "sqlite3" || cfg.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected daemon config: %#v", cfg)
	}
}

type testServer struct {
	http    *httptest.Server
	service *ingest.Service
	jobs    jobQueue
	staging string
	fail    *atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithQueue(t, queueMemory, nil)
}

func newTestServerWithQueue(t *testing.T, kind string, logger core.Logger) *testServer {
	t.Helper()
	client, err := sqlstore.OpenClient(sqlstore.ClientConfig{
		Driver: "sqlite3",
		DSN:    fmt.Sprintf("file:ingestd-%d?mode=memory&cache=shared", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := sqlstore.Migrate(context.Background(), client, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fail := &atomic.Bool{}
	registry := prometheus.NewRegistry()
	jobs, err := newJobQueue(kind, 4, logger)
	if err != nil {
		t.Fatalf("job queue: %v", err)
	}
	cfg := ingest.DefaultConfig()
	cfg.Signature.Secret = "whsec_daemon"
	cfg.Delivery.MaxRetries = 1
	cfg.Backfill.ReportDir = t.TempDir()
	svc, err := ingest.Setup(cfg,
		ingest.WithPersistenceClient(client),
		ingest.WithRepositoryFactory(sqlstore.NewRepositoryFactory()),
		ingest.WithMetricsRecorder(ingestprometheus.NewRecorder(registry)),
		ingest.WithJobEnqueuer(jobs.Enqueuer),
		ingest.WithEventProcessor(core.EventProcessorFunc(func(context.Context, core.Event) error {
			if fail.Load() {
				return fmt.Errorf("downstream unavailable")
			}
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	facade, err := ingest.NewFacade(svc)
	if err != nil {
		t.Fatalf("facade: %v", err)
	}
	staging := t.TempDir()
	server := httptest.NewServer(newRouter(&server{service: svc, facade: facade, stagingDir: staging}, registry))
	t.Cleanup(server.Close)
	return &testServer{http: server, service: svc, jobs: jobs, staging: staging, fail: fail}
}

func (s *testServer) do(t *testing.T, method, path, contentType string, body []byte, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.http.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res.StatusCode, decoded
}

func (s *testServer) webhook(t *testing.T, deliveryID string, body []byte) int {
	t.Helper()
	status, _ := s.do(t, http.MethodPost, "/webhooks/shop", "application/json", body, map[string]string{
		s.service.Verifier().HeaderName(): s.service.Verifier().Sign(body),
		core.DefaultDeliveryIDHeader:      deliveryID,
	})
	return status
}

func TestRouterDeadLetterReplayFlow(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"type":"invoice.paid"}`)

	srv.fail.Store(true)
	if status := srv.webhook(t, "evt_1", body); status != http.StatusAccepted {
		t.Fatalf("expected the dead-lettering attempt to be acknowledged, got %d", status)
	}
	if status := srv.webhook(t, "evt_1", body); status != http.StatusAccepted {
		t.Fatalf("expected exhausted redelivery to be acknowledged, got %d", status)
	}

	status, listed := srv.do(t, http.MethodGet, "/admin/dlq?limit=10", "", nil, nil)
	if status != http.StatusOK || listed["count"] != float64(1) {
		t.Fatalf("expected one dead letter, got %d %#v", status, listed)
	}

	srv.fail.Store(false)
	status, replayed := srv.do(t, http.MethodPost, "/admin/dlq/evt_1/replay", "", nil, nil)
	if status != http.StatusOK || replayed["status"] != string(core.DeliveryStatusProcessed) {
		t.Fatalf("expected redriven delivery, got %d %#v", status, replayed)
	}

	status, again := srv.do(t, http.MethodPost, "/admin/dlq/evt_1/replay", "", nil, nil)
	errBody, _ := again["error"].(map[string]any)
	if status != http.StatusConflict || errBody["code"] != core.ErrorInvalidState {
		t.Fatalf("expected invalid state on second replay, got %d %#v", status, again)
	}

	status, missing := srv.do(t, http.MethodGet, "/admin/dlq?limit=nope", "", nil, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected bad limit to be rejected, got %d %#v", status, missing)
	}
}

func TestRouterBackfillUploadIsQueuedAndRun(t *testing.T) {
	for _, kind := range []string{queueMemory, queueGoJob} {
		t.Run(kind, func(t *testing.T) {
			testBackfillUploadIsQueuedAndRun(t, newTestServerWithQueue(t, kind, nil))
		})
	}
}

func testBackfillUploadIsQueuedAndRun(t *testing.T, srv *testServer) {

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "orders.csv")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("id,event_type\nord_1,order.imported\nord_2,order.imported\n"))
	_ = writer.Close()

	status, submitted := srv.do(t, http.MethodPost, "/admin/backfills", writer.FormDataContentType(), form.Bytes(), nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected accepted backfill, got %d %#v", status, submitted)
	}
	jobID, _ := submitted["id"].(string)
	if jobID == "" || submitted["totalRows"] != float64(2) || submitted["status"] != string(core.BackfillJobStatusPending) {
		t.Fatalf("unexpected submitted job: %#v", submitted)
	}
	entries, err := os.ReadDir(srv.staging)
	if err != nil || len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".csv" {
		t.Fatalf("expected staged csv, got %v (%v)", entries, err)
	}

	worker := srv.jobs.NewWorker(srv.service, backfill.FileSourceOpener{Dir: srv.staging})
	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run worker: %v", err)
	}

	status, job := srv.do(t, http.MethodGet, "/admin/backfills/"+jobID, "", nil, nil)
	if status != http.StatusOK || job["status"] != string(core.BackfillJobStatusCompleted) || job["successfulRows"] != float64(2) {
		t.Fatalf("expected completed job, got %d %#v", status, job)
	}

	status, _ = srv.do(t, http.MethodPost, "/admin/backfills/"+jobID+"/resume", "", nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected resuming a completed job to conflict, got %d", status)
	}

	status, _ = srv.do(t, http.MethodGet, "/admin/backfills/missing", "", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected missing job to be 404, got %d", status)
	}
}

func TestGoJobQueueReportsRetriesThroughHook(t *testing.T) {
	var logs bytes.Buffer
	logger := newLoggerProvider(&logs, "debug", false).GetLogger("ingestd.backfill")
	srv := newTestServerWithQueue(t, queueGoJob, logger)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "orders.csv")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("id,event_type\nord_1,order.imported\n"))
	_ = writer.Close()
	status, submitted := srv.do(t, http.MethodPost, "/admin/backfills", writer.FormDataContentType(), form.Bytes(), nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected accepted backfill, got %d %#v", status, submitted)
	}
	jobID, _ := submitted["id"].(string)

	entries, err := os.ReadDir(srv.staging)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one staged file, got %v (%v)", entries, err)
	}
	if err := os.Remove(filepath.Join(srv.staging, entries[0].Name())); err != nil {
		t.Fatalf("remove staged file: %v", err)
	}

	worker := srv.jobs.NewWorker(srv.service, backfill.FileSourceOpener{Dir: srv.staging})
	if worker.MaxAttempts != 5 || worker.RetryDelay > time.Minute {
		t.Fatalf("expected go-job retry policy on worker, got attempts=%d delay=%s", worker.MaxAttempts, worker.RetryDelay)
	}
	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("run worker: %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "backfill delivery scheduled for retry") {
		t.Fatalf("expected retry to be logged through the go-job hook, got %q", out)
	}
	if !strings.Contains(out, jobID) {
		t.Fatalf("expected retry log to name job %s, got %q", jobID, out)
	}
}

func TestLoadDaemonConfigRejectsUnknownQueue(t *testing.T) {
	cfg, err := loadDaemonConfig(envMap(map[string]string{"INGEST_QUEUE": "GoJob"}))
	if err != nil || cfg.Queue != queueGoJob {
		t.Fatalf("expected gojob queue, got %q (%v)", cfg.Queue, err)
	}
	if _, err := loadDaemonConfig(envMap(map[string]string{"INGEST_QUEUE": "kafka"})); err == nil {
		t.Fatalf("expected unknown queue to be rejected")
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	_ = srv.webhook(t, "evt_metrics", []byte(`{"type":"order.created"}`))

	status, health := srv.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if status != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %#v", status, health)
	}

	res, err := http.Get(srv.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(res.Body)
	if !bytes.Contains(body.Bytes(), []byte("ingest_deliveries_total")) {
		t.Fatalf("expected delivery counter in metrics output")
	}
}
