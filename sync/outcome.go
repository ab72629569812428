package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Outcome classifies the result of a remote operation. Adapters return typed
// outcomes to the orchestrator instead of raising generic errors; only fatal
// and validation failures ever propagate to the UI layer.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeConflict
	OutcomeAuthFailed
	OutcomeRateLimited
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeConflict:
		return "conflict"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// classifyStatus maps an HTTP response code onto the error taxonomy.
func classifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusConflict:
		return OutcomeConflict
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return OutcomeAuthFailed
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		return OutcomeRetryable
	default:
		// 4xx the terminal cannot fix by retrying.
		return OutcomeFatal
	}
}

// classifyTransportError covers failures before any HTTP status exists.
// A timed-out operation is always retryable, never a success or a conflict.
func classifyTransportError(err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	return OutcomeRetryable
}

// ValidationError is a precondition failure surfaced to the caller with no
// partial state change behind it.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
