package webhooks

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/signature"
)

var (
	ErrDeliveryInFlight  = errors.New("webhooks: delivery is being processed by another worker")
	ErrRetriesExhausted  = errors.New("webhooks: delivery exhausted its retries")
	ErrMissingDeliveryID = errors.New("webhooks: delivery id header is required")
	ErrInvalidPayload    = errors.New("webhooks: payload must be a JSON object with a string type field")
)

func signatureError(err error) *goerrors.Error {
	metadata := map[string]any{}
	var sigErr *signature.Error
	if errors.As(err, &sigErr) {
		metadata["kind"] = string(sigErr.Kind)
	}
	if errors.Is(err, signature.ErrMalformedHeader) {
		return core.WrapError(err, goerrors.CategoryBadInput, "malformed signature header", core.ErrorSignatureMalformed, metadata)
	}
	return core.WrapError(err, goerrors.CategoryAuth, "invalid signature", core.ErrorSignatureInvalid, metadata)
}

func badInput(err error, metadata map[string]any) *goerrors.Error {
	return core.WrapError(err, goerrors.CategoryBadInput, err.Error(), core.ErrorBadInput, metadata)
}

func processingError(err error, deliveryID string) *goerrors.Error {
	return core.WrapError(err, goerrors.CategoryOperation, "event processing failed", core.ErrorProcessingFailed, map[string]any{
		"delivery_id": deliveryID,
	})
}
