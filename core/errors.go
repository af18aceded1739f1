package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput           = "INGEST_BAD_INPUT"
	ErrorSignatureMalformed = "INGEST_SIGNATURE_MALFORMED"
	ErrorSignatureInvalid   = "INGEST_SIGNATURE_INVALID"
	ErrorProcessingFailed   = "INGEST_PROCESSING_FAILED"
	ErrorJobFailed          = "INGEST_JOB_FAILED"
	ErrorNotFound           = "INGEST_NOT_FOUND"
	ErrorInvalidState       = "INGEST_INVALID_STATE"
	ErrorConflict           = "INGEST_CONFLICT"
	ErrorInternal           = "INGEST_INTERNAL_ERROR"
)

// NewError builds a rich error carrying the HTTP code derived from category.
func NewError(message string, category goerrors.Category, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func WrapError(
	source error,
	category goerrors.Category,
	message string,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return NewError(message, category, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// MapError converts store and component errors into the go-errors envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrDeliveryNotFound),
		errors.Is(err, ErrDeadLetterNotFound),
		errors.Is(err, ErrBackfillJobNotFound):
		return WrapError(err, goerrors.CategoryNotFound, err.Error(), ErrorNotFound, nil)
	case errors.Is(err, ErrInvalidReplayState),
		errors.Is(err, ErrDeliveryAlreadyProcessed),
		errors.Is(err, ErrJobCompleted),
		errors.Is(err, ErrInvalidBackfillJobTransition):
		return WrapError(err, goerrors.CategoryConflict, err.Error(), ErrorInvalidState, nil)
	case errors.Is(err, ErrJobAlreadyRunning):
		return WrapError(err, goerrors.CategoryConflict, err.Error(), ErrorConflict, nil)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") {
		return WrapError(err, goerrors.CategoryBadInput, err.Error(), ErrorBadInput, nil)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	if mapped != nil && mapped.TextCode == "INTERNAL_ERROR" {
		mapped.TextCode = ErrorInternal
	}
	return ensureEnvelope(mapped)
}

func ensureEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorSignatureInvalid
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryOperation:
		return ErrorProcessingFailed
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
