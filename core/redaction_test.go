package core

import (
	"context"
	"testing"
)

func TestRedactSensitiveMapKeepsCorrelationKeys(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"delivery_id":   "evt_1",
		"job_id":        "job_1",
		"secret":        "whsec",
		"authorization": "Bearer abc",
		"row":           map[string]string{"api_key": "key_1", "id": "ord_1"},
		"headers":       []any{map[string]any{"x-ingest-signature": "sha256=abc"}},
	})

	if redacted["delivery_id"] != "evt_1" || redacted["job_id"] != "job_1" {
		t.Fatalf("expected correlation keys to remain visible, got %#v", redacted)
	}
	if redacted["secret"] != RedactedValue || redacted["authorization"] != RedactedValue {
		t.Fatalf("expected credentials to be redacted, got %#v", redacted)
	}
	row, ok := redacted["row"].(map[string]any)
	if !ok || row["api_key"] != RedactedValue || row["id"] != "ord_1" {
		t.Fatalf("expected nested string map to be redacted, got %#v", redacted["row"])
	}
	headers, ok := redacted["headers"].([]any)
	if !ok {
		t.Fatalf("expected headers slice")
	}
	if header, _ := headers[0].(map[string]any); header["x-ingest-signature"] != RedactedValue {
		t.Fatalf("expected signature header to be redacted, got %#v", headers[0])
	}
}

func TestObserverRedactsLoggedFields(t *testing.T) {
	logger := &redactionLogger{}
	observer := NewObserver("ingest.test", nil, logger, nil)
	observer.Info(context.Background(), "configured", map[string]any{
		"delivery_id": "evt_1",
		"secret":      "whsec",
	})

	for i := 0; i+1 < len(logger.args); i += 2 {
		if logger.args[i] == "secret" && logger.args[i+1] != RedactedValue {
			t.Fatalf("expected secret to be redacted in log args, got %#v", logger.args)
		}
	}
	if len(logger.args) != 4 {
		t.Fatalf("expected two logged fields, got %#v", logger.args)
	}
}

type redactionLogger struct {
	args []any
}

func (l *redactionLogger) Trace(string, ...any) {}
func (l *redactionLogger) Debug(string, ...any) {}
func (l *redactionLogger) Info(_ string, args ...any) {
	l.args = append([]any(nil), args...)
}
func (l *redactionLogger) Warn(string, ...any)                {}
func (l *redactionLogger) Error(string, ...any)               {}
func (l *redactionLogger) Fatal(string, ...any)               {}
func (l *redactionLogger) WithContext(context.Context) Logger { return l }
