package webhooks_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/deadletter"
	"github.com/goliatone/go-ingest/idempotency"
	"github.com/goliatone/go-ingest/signature"
	sqlstore "github.com/goliatone/go-ingest/store/sql"
	"github.com/goliatone/go-ingest/webhooks"
	_ "github.com/mattn/go-sqlite3"
)

const testSecret = "whsec_test"

type harness struct {
	factory   *sqlstore.RepositoryFactory
	pipeline  *webhooks.Pipeline
	queue     *deadletter.Queue
	verifier  signature.Verifier
	processed int32
	failWith  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	factory := newFactory(t)
	h := &harness{factory: factory}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	h.verifier = signature.Verifier{Secret: testSecret, Now: func() time.Time { return now }}
	tracker := idempotency.NewTracker(factory.DeliveryStore(), core.DeliveryConfig{MaxRetries: 2})
	h.queue = deadletter.NewQueue(factory.DeadLetterStore(), core.DeadLetterConfig{})
	h.pipeline = webhooks.NewPipeline(h.verifier, tracker, h.queue, core.EventProcessorFunc(func(context.Context, core.Event) error {
		atomic.AddInt32(&h.processed, 1)
		return h.failWith
	}))
	h.pipeline.MaxRetries = 2
	return h
}

func (h *harness) request(deliveryID string, body []byte) webhooks.Request {
	headers := http.Header{}
	headers.Set(core.DefaultSignatureHeader, h.verifier.Sign(body))
	if deliveryID != "" {
		headers.Set(core.DefaultDeliveryIDHeader, deliveryID)
	}
	return webhooks.Request{Provider: "acme", Headers: headers, Body: body}
}

func TestPipeline_DuplicateDeliveryIsAcknowledgedOnce(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(webhooks.NewHTTPHandler(h.pipeline))
	defer server.Close()

	body := []byte(`{"type":"order.created","id":"ord_1"}`)
	post := func() (*http.Response, webhooks.ResponseBody) {
		req, err := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set(core.DefaultSignatureHeader, h.verifier.Sign(body))
		req.Header.Set(core.DefaultDeliveryIDHeader, "abc")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post webhook: %v", err)
		}
		defer resp.Body.Close()
		var decoded webhooks.ResponseBody
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp, decoded
	}

	first, firstBody := post()
	if first.StatusCode != http.StatusOK || firstBody.Status != "processed" {
		t.Fatalf("expected first delivery processed, got %d %+v", first.StatusCode, firstBody)
	}
	second, secondBody := post()
	if second.StatusCode != http.StatusAccepted {
		t.Fatalf("expected duplicate to be accepted, got %d", second.StatusCode)
	}
	if !secondBody.AlreadyProcessed || secondBody.DeliveryID != "abc" {
		t.Fatalf("expected alreadyProcessed marker, got %+v", secondBody)
	}
	if h.processed != 1 {
		t.Fatalf("expected processor to run once, ran %d times", h.processed)
	}
}

func TestPipeline_SignatureFailures(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"ping"}`)

	req := h.request("sig-1", body)
	req.Headers.Set(core.DefaultSignatureHeader, "t=abc,v1=00")
	resp, err := h.pipeline.Handle(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected malformed header to map to 400, got %d", resp.StatusCode)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorSignatureMalformed {
		t.Fatalf("expected malformed signature envelope, got %v", err)
	}

	req = h.request("sig-2", body)
	req.Body = []byte(`{"type":"tampered"}`)
	resp, err = h.pipeline.Handle(context.Background(), req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected mismatch to map to 401, got %d", resp.StatusCode)
	}
	if !errors.Is(err, signature.ErrMismatch) {
		t.Fatalf("expected mismatch sentinel, got %v", err)
	}

	req = h.request("sig-3", body)
	req.Headers.Del(core.DefaultSignatureHeader)
	resp, _ = h.pipeline.Handle(context.Background(), req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected missing signature to map to 401, got %d", resp.StatusCode)
	}
	if h.processed != 0 {
		t.Fatalf("expected no processing for rejected deliveries")
	}
	if _, err := h.factory.DeliveryStore().Get(context.Background(), "sig-2"); !errors.Is(err, core.ErrDeliveryNotFound) {
		t.Fatalf("expected rejected delivery to leave no record, got %v", err)
	}
}

func TestPipeline_RejectsMalformedInput(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.pipeline.Handle(context.Background(), h.request("", []byte(`{"type":"ping"}`)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected missing delivery id to map to 400, got %d", resp.StatusCode)
	}

	for _, body := range []string{`not json`, `[]`, `{"id":1}`, `{"type":42}`, `{"type":"  "}`} {
		resp, err := h.pipeline.Handle(context.Background(), h.request("bad-1", []byte(body)))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected %q to map to 400, got %d", body, resp.StatusCode)
		}
		if !errors.Is(err, webhooks.ErrInvalidPayload) {
			t.Fatalf("expected invalid payload error for %q, got %v", body, err)
		}
	}
}

func TestPipeline_FailuresRetryThenDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.failWith = errors.New("warehouse api returned 503 with secret token xyz")
	body := []byte(`{"type":"invoice.paid"}`)

	resp, err := h.pipeline.Handle(context.Background(), h.request("fail-1", body))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected processing failure to map to 500, got %d", resp.StatusCode)
	}
	if resp.Body.Message != "event processing failed" {
		t.Fatalf("expected internal detail to stay hidden, got %q", resp.Body.Message)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorProcessingFailed {
		t.Fatalf("expected processing failure envelope, got %v", err)
	}

	resp, _ = h.pipeline.Handle(context.Background(), h.request("fail-1", body))
	if resp.StatusCode != http.StatusAccepted || resp.Body.Status != "exhausted" {
		t.Fatalf("expected the attempt reaching the ceiling to be acknowledged as exhausted, got %d %+v", resp.StatusCode, resp.Body)
	}
	entries, err := h.queue.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 || entries[0].RetryCount != 2 {
		t.Fatalf("expected delivery to be dead-lettered after the ceiling, got %+v", entries)
	}

	resp, _ = h.pipeline.Handle(context.Background(), h.request("fail-1", body))
	if resp.StatusCode != http.StatusAccepted || resp.Body.Status != "exhausted" {
		t.Fatalf("expected exhausted delivery to be acknowledged, got %d %+v", resp.StatusCode, resp.Body)
	}
	if h.processed != 2 {
		t.Fatalf("expected processor to run twice, ran %d times", h.processed)
	}

	h.failWith = nil
	if err := h.queue.Redrive(context.Background(), "fail-1", h.pipeline); err != nil {
		t.Fatalf("redrive: %v", err)
	}
	resp, _ = h.pipeline.Handle(context.Background(), h.request("fail-1", body))
	if !resp.Body.AlreadyProcessed {
		t.Fatalf("expected redriven delivery to be processed, got %+v", resp.Body)
	}
}

func TestPipeline_UntypedPayloadRedeliveryIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tracker := idempotency.NewTracker(h.factory.DeliveryStore(), core.DeliveryConfig{})
	body := []byte(`{"a":1}`)

	check, err := tracker.Check(ctx, "abc", "x", body)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.ShouldProcess || check.AlreadyProcessed {
		t.Fatalf("expected first check to claim the delivery, got %+v", check)
	}
	if err := tracker.MarkProcessed(ctx, "abc"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	resp, err := h.pipeline.Handle(ctx, h.request("abc", body))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted || !resp.Body.AlreadyProcessed {
		t.Fatalf("expected 202 alreadyProcessed for redelivery, got %d %+v", resp.StatusCode, resp.Body)
	}
	if h.processed != 0 {
		t.Fatalf("expected processor not to run, ran %d times", h.processed)
	}
}

func TestPipeline_EventTypeHeaderTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	body := []byte(`{"a":1}`)

	req := h.request("hdr-1", body)
	req.Headers.Set(core.DefaultEventTypeHeader, "x")
	resp, err := h.pipeline.Handle(ctx, req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected header-typed delivery processed, got %d %v", resp.StatusCode, err)
	}
	record, err := h.factory.DeliveryStore().Get(ctx, "hdr-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.EventType != "x" {
		t.Fatalf("expected event type from header, got %q", record.EventType)
	}

	resp, _ = h.pipeline.Handle(ctx, req)
	if resp.StatusCode != http.StatusAccepted || !resp.Body.AlreadyProcessed {
		t.Fatalf("expected duplicate acknowledged, got %d %+v", resp.StatusCode, resp.Body)
	}
	if h.processed != 1 {
		t.Fatalf("expected processor to run once, ran %d times", h.processed)
	}
}

func TestPipeline_InFlightDeliveryReturnsConflict(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"ping"}`)
	if _, err := h.factory.DeliveryStore().Claim(context.Background(), core.ClaimInput{
		DeliveryID: "busy-1",
		EventType:  "ping",
		Lease:      time.Hour,
	}); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	resp, err := h.pipeline.Handle(context.Background(), h.request("busy-1", body))
	if err != nil {
		t.Fatalf("expected in-flight to be a clean outcome, got %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for in-flight delivery, got %d", resp.StatusCode)
	}
	if err := h.pipeline.Process(context.Background(), core.Event{DeliveryID: "busy-1", EventType: "ping"}); !errors.Is(err, webhooks.ErrDeliveryInFlight) {
		t.Fatalf("expected in-flight error from Process, got %v", err)
	}
}

func TestHTTPHandler_RejectsNonPost(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	webhooks.NewHTTPHandler(h.pipeline).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/acme", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHTTPHandler_RejectsOversizedBody(t *testing.T) {
	h := newHarness(t)
	handler := webhooks.NewHTTPHandler(h.pipeline)
	handler.MaxBodyBytes = 8
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/acme", bytes.NewReader([]byte(`{"type":"too-large"}`))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestParseEventType(t *testing.T) {
	eventType, err := webhooks.ParseEventType([]byte(`{"type":" order.created ","data":{}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if eventType != "order.created" {
		t.Fatalf("expected trimmed type, got %q", eventType)
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	dsn := fmt.Sprintf("file:webhooks-%d?mode=memory&cache=shared", time.Now().UnixNano())
	client, err := sqlstore.OpenClient(sqlstore.ClientConfig{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := sqlstore.Migrate(context.Background(), client, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}
