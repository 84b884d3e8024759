package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Compare with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrDuplicateCode          = errors.New("duplicate claim code")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrEligibilityDenied      = errors.New("eligibility denied")
	ErrForbidden              = errors.New("forbidden")
	ErrConflict               = errors.New("concurrent update conflict")
)

// Error is a classified error carrying a caller-facing message.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(err error, kind error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(ErrValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(ErrNotFound, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return New(ErrInvalidStateTransition, format, args...)
}

func Ineligible(format string, args ...interface{}) *Error {
	return New(ErrEligibilityDenied, format, args...)
}

// Message returns the caller-facing message of a classified error, or err.Error().
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// Code returns a stable string code for the error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrDuplicateCode):
		return "duplicate_code"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrEligibilityDenied):
		return "eligibility_denied"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the HTTP status returned by the admin API.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicateCode):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrEligibilityDenied), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a failure is transient and the operation may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
