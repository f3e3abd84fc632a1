package domain

import "errors"

// Common domain errors
var (
	// ErrHardStop is returned by admission when the global pause is engaged.
	// Callers should retry once the pause lifts; it is not a fatal error.
	ErrHardStop = errors.New("admission hard stop: governor paused")
	// ErrCancelled is returned when a queued caller gives up before release.
	ErrCancelled = errors.New("admission cancelled")
	// ErrGovernorClosed is returned once the governor has shut down.
	ErrGovernorClosed = errors.New("governor closed")
	// ErrConfigInvalid marks configuration that must prevent startup.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrUnknownResource is reported by lookups such as stats queries. Admission
	// itself never returns it: unconfigured resources are not throttled.
	ErrUnknownResource = errors.New("unknown resource")
	// ErrInvalidRequest marks malformed admin API input.
	ErrInvalidRequest = errors.New("invalid request")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// InvalidRequest reports bad input for a named request field.
func InvalidRequest(field, message string) *DomainError {
	return &DomainError{
		Err:     ErrInvalidRequest,
		Code:    CodeInvalidRequest,
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// Machine-readable error codes used in ErrorResponse.
const (
	CodeHardStop        = "HARD_STOP"
	CodeCancelled       = "CANCELLED"
	CodeGovernorClosed  = "GOVERNOR_CLOSED"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnknownResource = "UNKNOWN_RESOURCE"
	CodeInternal        = "INTERNAL"
)

// CodeFor maps an admission error to its ErrorResponse code.
func CodeFor(err error) string {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr) && domainErr.Code != "":
		return domainErr.Code
	case errors.Is(err, ErrHardStop):
		return CodeHardStop
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrGovernorClosed):
		return CodeGovernorClosed
	case errors.Is(err, ErrUnknownResource):
		return CodeUnknownResource
	case errors.Is(err, ErrConfigInvalid), errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// ErrorResponse defines the standard JSON error model returned by the admin API.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., HARD_STOP, CANCELLED)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
