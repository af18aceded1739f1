package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/deadletter"
	"github.com/goliatone/go-ingest/idempotency"
)

type Verifier interface {
	Verify(ctx context.Context, headers http.Header, rawBody []byte) error
}

type DeliveryTracker interface {
	Check(ctx context.Context, deliveryID, eventType string, payload []byte) (idempotency.CheckResult, error)
	MarkProcessed(ctx context.Context, deliveryID string) error
	MarkFailed(ctx context.Context, deliveryID string, cause error) (core.DeliveryRecord, error)
}

// DeliveryLookup is implemented by trackers that can read a delivery record
// without claiming it.
type DeliveryLookup interface {
	Get(ctx context.Context, deliveryID string) (core.DeliveryRecord, error)
}

type DeadLetterPublisher interface {
	Publish(ctx context.Context, in deadletter.PublishInput) (bool, error)
}

type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeInFlight         Outcome = "in_flight"
	OutcomeFailed           Outcome = "failed"
	OutcomeRejected         Outcome = "rejected"
)

// Result describes what ProcessEvent did with one event.
type Result struct {
	Outcome      Outcome
	DeliveryID   string
	DeadLettered bool
	Record       core.DeliveryRecord
}

type Request struct {
	Provider string
	Headers  http.Header
	Body     []byte
}

type ResponseBody struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	DeliveryID       string `json:"deliveryId,omitempty"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
}

type Response struct {
	StatusCode int
	Body       ResponseBody
}

type Pipeline struct {
	Verifier         Verifier
	Tracker          DeliveryTracker
	DLQ              DeadLetterPublisher
	Processor        core.EventProcessor
	DeliveryIDHeader string
	// EventTypeHeader names the header that carries the event type. The
	// payload "type" field is used when the header is absent.
	EventTypeHeader string
	MaxRetries      int
	Observer        core.Observer
}

func NewPipeline(
	verifier Verifier,
	tracker DeliveryTracker,
	dlq DeadLetterPublisher,
	processor core.EventProcessor,
) *Pipeline {
	return &Pipeline{
		Verifier:         verifier,
		Tracker:          tracker,
		DLQ:              dlq,
		Processor:        processor,
		DeliveryIDHeader: core.DefaultDeliveryIDHeader,
		EventTypeHeader:  core.DefaultEventTypeHeader,
		MaxRetries:       core.DefaultMaxRetries,
	}
}

// Handle verifies and processes one webhook delivery. The returned Response
// is always safe to write to the sender; the error carries the detail.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		err := core.NewError("webhooks: pipeline is nil", goerrors.CategoryInternal, core.ErrorInternal, nil)
		return internalResponse(""), err
	}
	startedAt := time.Now()
	resp, event, err := p.handle(ctx, req)
	p.Observer.ObserveOperation(ctx, startedAt, "webhook_handle", err, map[string]any{
		"provider":    strings.TrimSpace(req.Provider),
		"delivery_id": event.DeliveryID,
		"event_type":  event.EventType,
		"source":      core.EventSourceWebhook,
		"outcome":     resp.Body.Status,
		"http_status": resp.StatusCode,
	})
	return resp, err
}

func (p *Pipeline) handle(ctx context.Context, req Request) (Response, core.Event, error) {
	event := core.Event{Source: core.EventSourceWebhook}
	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, req.Headers, req.Body); err != nil {
			rich := signatureError(err)
			p.Observer.Count(ctx, core.MetricSignatureFailures, 1, map[string]string{
				"provider": strings.TrimSpace(req.Provider),
				"kind":     fmt.Sprint(rich.Metadata["kind"]),
			})
			return Response{
				StatusCode: rich.Code,
				Body:       ResponseBody{Status: string(OutcomeRejected), Message: rich.Message},
			}, event, rich
		}
	}

	deliveryID := ""
	if req.Headers != nil {
		deliveryID = strings.TrimSpace(req.Headers.Get(p.deliveryIDHeader()))
	}
	if deliveryID == "" {
		rich := badInput(ErrMissingDeliveryID, map[string]any{"header": p.deliveryIDHeader()})
		return rejectedResponse(rich, ""), event, rich
	}
	event.DeliveryID = deliveryID

	event.Payload = req.Body
	eventType, err := p.eventType(req)
	if err != nil {
		record, known := p.lookup(ctx, deliveryID)
		if !known {
			rich := badInput(err, map[string]any{"delivery_id": deliveryID})
			return rejectedResponse(rich, deliveryID), event, rich
		}
		event.EventType = record.EventType
		if record.Status == core.DeliveryStatusProcessed {
			result := Result{Outcome: OutcomeAlreadyProcessed, DeliveryID: deliveryID, Record: record}
			p.countDelivery(ctx, event, result.Outcome)
			return responseFor(result, nil), event, nil
		}
		eventType = record.EventType
	}
	event.EventType = eventType
	if provider := strings.TrimSpace(req.Provider); provider != "" {
		event.Metadata = map[string]any{"provider": provider}
	}

	result, err := p.ProcessEvent(ctx, event)
	return responseFor(result, err), event, err
}

// ProcessEvent deduplicates event, runs the processor when the delivery is
// claimed and records the outcome.
func (p *Pipeline) ProcessEvent(ctx context.Context, event core.Event) (Result, error) {
	if p == nil || p.Tracker == nil || p.Processor == nil {
		return Result{}, core.NewError("webhooks: pipeline requires tracker and processor", goerrors.CategoryInternal, core.ErrorInternal, nil)
	}
	event.DeliveryID = strings.TrimSpace(event.DeliveryID)
	if event.Source == "" {
		event.Source = core.EventSourceWebhook
	}
	result := Result{DeliveryID: event.DeliveryID}

	check, err := p.Tracker.Check(ctx, event.DeliveryID, event.EventType, event.Payload)
	if err != nil {
		return result, core.MapError(err)
	}
	result.Record = check.Record

	switch {
	case check.AlreadyProcessed:
		result.Outcome = OutcomeAlreadyProcessed
	case check.Exhausted:
		result.Outcome = OutcomeExhausted
		published, publishErr := p.deadLetter(ctx, event, check.Record)
		if publishErr != nil {
			return result, core.MapError(publishErr)
		}
		result.DeadLettered = published
	case check.InFlight:
		result.Outcome = OutcomeInFlight
	default:
		return p.process(ctx, event, result)
	}
	p.countDelivery(ctx, event, result.Outcome)
	return result, nil
}

// Process adapts ProcessEvent to core.EventProcessor. Outcomes other than
// processed or already processed are reported as errors.
func (p *Pipeline) Process(ctx context.Context, event core.Event) error {
	result, err := p.ProcessEvent(ctx, event)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case OutcomeInFlight:
		return fmt.Errorf("%w: %s", ErrDeliveryInFlight, result.DeliveryID)
	case OutcomeExhausted:
		return fmt.Errorf("%w: %s", ErrRetriesExhausted, result.DeliveryID)
	default:
		return nil
	}
}

func (p *Pipeline) process(ctx context.Context, event core.Event, result Result) (Result, error) {
	startedAt := time.Now()
	procErr := p.Processor.Process(ctx, event)
	p.Observer.Observe(ctx, core.MetricDeliveryDurationMS, float64(time.Since(startedAt).Milliseconds()), map[string]string{
		"event_type": event.EventType,
		"source":     event.Source,
	})
	if procErr == nil {
		if err := p.Tracker.MarkProcessed(ctx, event.DeliveryID); err != nil {
			return result, core.MapError(err)
		}
		result.Outcome = OutcomeProcessed
		p.countDelivery(ctx, event, result.Outcome)
		return result, nil
	}

	result.Outcome = OutcomeFailed
	record, err := p.Tracker.MarkFailed(ctx, event.DeliveryID, procErr)
	if err != nil {
		p.Observer.Error(ctx, "record delivery failure", map[string]any{
			"delivery_id": event.DeliveryID,
			"error":       err.Error(),
		})
		return result, processingError(procErr, event.DeliveryID)
	}
	result.Record = record
	if record.Exhausted(p.maxRetries()) {
		published, publishErr := p.deadLetter(ctx, event, record)
		if publishErr != nil {
			p.Observer.Error(ctx, "publish dead letter", map[string]any{
				"delivery_id": event.DeliveryID,
				"error":       publishErr.Error(),
			})
		}
		result.DeadLettered = published
	}
	p.countDelivery(ctx, event, result.Outcome)
	return result, processingError(procErr, event.DeliveryID)
}

func (p *Pipeline) deadLetter(ctx context.Context, event core.Event, record core.DeliveryRecord) (bool, error) {
	if p.DLQ == nil {
		return false, nil
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = record.Payload
	}
	eventType := event.EventType
	if eventType == "" {
		eventType = record.EventType
	}
	return p.DLQ.Publish(ctx, deadletter.PublishInput{
		DeliveryID: event.DeliveryID,
		EventType:  eventType,
		Payload:    payload,
		RetryCount: record.RetryCount,
		Reason:     record.LastError,
	})
}

func (p *Pipeline) countDelivery(ctx context.Context, event core.Event, outcome Outcome) {
	p.Observer.Count(ctx, core.MetricDeliveriesTotal, 1, map[string]string{
		"event_type": event.EventType,
		"source":     event.Source,
		"outcome":    string(outcome),
	})
}

func (p *Pipeline) eventType(req Request) (string, error) {
	if name := strings.TrimSpace(p.EventTypeHeader); name != "" && req.Headers != nil {
		if eventType := strings.TrimSpace(req.Headers.Get(name)); eventType != "" {
			return eventType, nil
		}
	}
	return ParseEventType(req.Body)
}

// lookup returns the stored record of a redelivery whose payload carries no
// event type.
func (p *Pipeline) lookup(ctx context.Context, deliveryID string) (core.DeliveryRecord, bool) {
	lookup, ok := p.Tracker.(DeliveryLookup)
	if !ok {
		return core.DeliveryRecord{}, false
	}
	record, err := lookup.Get(ctx, deliveryID)
	if err != nil || strings.TrimSpace(record.EventType) == "" {
		return core.DeliveryRecord{}, false
	}
	return record, true
}

func (p *Pipeline) deliveryIDHeader() string {
	if p != nil && strings.TrimSpace(p.DeliveryIDHeader) != "" {
		return strings.TrimSpace(p.DeliveryIDHeader)
	}
	return core.DefaultDeliveryIDHeader
}

func (p *Pipeline) maxRetries() int {
	if p != nil && p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return core.DefaultMaxRetries
}

// ParseEventType reads the "type" field of a JSON object payload.
func ParseEventType(payload []byte) (string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope == nil {
		return "", ErrInvalidPayload
	}
	raw, ok := envelope["type"]
	if !ok {
		return "", ErrInvalidPayload
	}
	var eventType string
	if err := json.Unmarshal(raw, &eventType); err != nil {
		return "", ErrInvalidPayload
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return "", ErrInvalidPayload
	}
	return eventType, nil
}

func responseFor(result Result, err error) Response {
	switch result.Outcome {
	case OutcomeProcessed:
		return Response{StatusCode: http.StatusOK, Body: ResponseBody{
			Status: string(OutcomeProcessed), Message: "event processed", DeliveryID: result.DeliveryID,
		}}
	case OutcomeAlreadyProcessed:
		return Response{StatusCode: http.StatusAccepted, Body: ResponseBody{
			Status: string(OutcomeAlreadyProcessed), Message: "event already processed", DeliveryID: result.DeliveryID, AlreadyProcessed: true,
		}}
	case OutcomeExhausted:
		return Response{StatusCode: http.StatusAccepted, Body: ResponseBody{
			Status: string(OutcomeExhausted), Message: "retries exhausted, event moved to dead letter queue", DeliveryID: result.DeliveryID,
		}}
	case OutcomeInFlight:
		return Response{StatusCode: http.StatusConflict, Body: ResponseBody{
			Status: string(OutcomeInFlight), Message: "event is being processed, retry later", DeliveryID: result.DeliveryID,
		}}
	case OutcomeFailed:
		if result.DeadLettered {
			return Response{StatusCode: http.StatusAccepted, Body: ResponseBody{
				Status: string(OutcomeExhausted), Message: "retries exhausted, event moved to dead letter queue", DeliveryID: result.DeliveryID,
			}}
		}
		return Response{StatusCode: http.StatusInternalServerError, Body: ResponseBody{
			Status: string(OutcomeFailed), Message: "event processing failed", DeliveryID: result.DeliveryID,
		}}
	}
	if err != nil {
		return internalResponse(result.DeliveryID)
	}
	return Response{StatusCode: http.StatusOK, Body: ResponseBody{Status: "ok", DeliveryID: result.DeliveryID}}
}

func rejectedResponse(err *goerrors.Error, deliveryID string) Response {
	return Response{
		StatusCode: err.Code,
		Body: ResponseBody{
			Status:     string(OutcomeRejected),
			Message:    err.Message,
			DeliveryID: deliveryID,
		},
	}
}

func internalResponse(deliveryID string) Response {
	return Response{
		StatusCode: http.StatusInternalServerError,
		Body: ResponseBody{
			Status:     "error",
			Message:    "internal error",
			DeliveryID: deliveryID,
		},
	}
}
