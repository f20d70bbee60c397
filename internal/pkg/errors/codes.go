package errors

import "net/http"

// Event store error codes.
const (
	CodeAggregateNotFound      = "AGGREGATE_NOT_FOUND"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeEventHistoryInvalid    = "EVENT_HISTORY_INVALID"
	CodeRetriesExhausted       = "CONFLICT_RETRIES_EXHAUSTED"
)

// Outbox error codes.
const (
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodePayloadInvalid   = "PAYLOAD_INVALID"
)

// Job error codes.
const (
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeJobLost           = "JOB_LEASE_LOST"
	CodeJobTypeUnknown    = "JOB_TYPE_UNKNOWN"
	CodeJobConfigInvalid  = "JOB_CONFIG_INVALID"
	CodeJobStateInvalid   = "JOB_STATE_FILTER_INVALID"
	CodeJobFatal          = "JOB_FATAL"
	CodeJobRetryExhausted = "JOB_RETRIES_EXHAUSTED"
)

// Generic error codes.
const (
	CodeInternalError      = "INTERNAL_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInvalidLogLevel    = "INVALID_LOG_LEVEL"
)

// StatusFor maps a sentinel-wrapping error to the HTTP status the operator API
// should answer with when the error is not already an AppError.
func StatusFor(err error) int {
	if appErr, ok := IsAppError(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConcurrentModification(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
