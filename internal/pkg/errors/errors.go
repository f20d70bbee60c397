// Package errors provides the platform error taxonomy.
//
// Storage and orchestration code returns (or wraps) the sentinel errors below;
// callers match them with errors.Is. AppError adds a machine-readable code and
// an HTTP status for the operator API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure classes callers are expected to branch on.
var (
	// ErrNotFound is returned when an aggregate, job or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when an append targets a stale
	// aggregate version. The caller reloads and retries the whole
	// read-mutate-append cycle.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrBuild is returned when an event history cannot be folded into state,
	// e.g. when the first event is not an initialization event.
	ErrBuild = errors.New("invalid event history")

	// ErrUnknownTag is returned when a tagged payload names a variant this
	// process does not know.
	ErrUnknownTag = errors.New("unknown variant tag")

	// ErrJobLost is returned when a worker writes to a job execution it no
	// longer holds the lease for.
	ErrJobLost = errors.New("job lease lost")

	// ErrUnknownJobType is returned when no initializer is registered for a
	// claimed job's type.
	ErrUnknownJobType = errors.New("unknown job type")

	ErrBadRequest     = errors.New("bad request")
	ErrInternal       = errors.New("internal error")
	ErrServiceUnavail = errors.New("service unavailable")
)

// AppError is a structured application error with HTTP status and error code.
type AppError struct {
	// Code is a machine-readable error code (e.g., "AGGREGATE_NOT_FOUND").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Params carries structured context (ids, versions) for the caller.
	Params map[string]interface{} `json:"params,omitempty"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// NotFound creates a 404 error wrapping ErrNotFound.
func NotFound(code, message string) *AppError {
	return Wrap(ErrNotFound, code, message, http.StatusNotFound)
}

// ConcurrentModification creates a 409 error wrapping ErrConcurrentModification.
func ConcurrentModification(message string) *AppError {
	return Wrap(ErrConcurrentModification, CodeConcurrentModification, message, http.StatusConflict)
}

// Build creates an error wrapping ErrBuild for an invalid event history.
func Build(message string) *AppError {
	return Wrap(ErrBuild, CodeEventHistoryInvalid, message, http.StatusInternalServerError)
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return Wrap(ErrBadRequest, code, message, http.StatusBadRequest)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConcurrentModification reports whether err is (or wraps) ErrConcurrentModification.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
