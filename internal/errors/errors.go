// Package errors defines the application error taxonomy and its HTTP mapping.
//
// Domain packages return sentinel or typed errors; the gateway translates them
// into *AppError values, and the HTTP layer renders those as JSON envelopes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
	KindUnavailable     Kind = "unavailable"
)

// FieldViolation describes one invalid request field.
type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// AppError is an error with a client-facing classification.
type AppError struct {
	Kind       Kind
	Message    string
	Violations []FieldViolation
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another *AppError of the same Kind, so callers can write
// errors.Is(err, &AppError{Kind: KindNotFound}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// InvalidArgument reports a malformed request.
func InvalidArgument(message string, violations ...FieldViolation) *AppError {
	return &AppError{Kind: KindInvalidArgument, Message: message, Violations: violations}
}

// NotFound reports an unknown resource.
func NotFound(message string, err error) *AppError {
	return &AppError{Kind: KindNotFound, Message: message, Err: err}
}

// RateLimited reports a throttled request.
func RateLimited(message string) *AppError {
	return &AppError{Kind: KindRateLimited, Message: message}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// Unavailable reports that a dependency cannot serve the request.
func Unavailable(message string, err error) *AppError {
	return &AppError{Kind: KindUnavailable, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is an *AppError of kind k.
func Is(err error, k Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == k
}

// Wire codes.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPStatus maps a Kind to its HTTP status and wire code.
func HTTPStatus(k Kind) (int, string) {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest, CodeInvalidArgument
	case KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests, CodeRateLimited
	case KindUnavailable:
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// WrapInternal wraps err as an internal error. A nil err yields nil.
func WrapInternal(_ context.Context, err error, message string) error {
	if err == nil {
		return nil
	}
	return Internal(message, err)
}

// NewExternalServiceError reports an unreachable dependency.
func NewExternalServiceError(message string) error {
	return Unavailable(message, nil)
}
