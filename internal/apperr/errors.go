// Package apperr defines the coded errors shared by the store, the directory
// and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so callers can test against
// the sentinels below regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation         = &Error{Code: CodeInvalidArgument, Message: "validation failed"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrDuplicateUser      = &Error{Code: CodeAlreadyExists, Message: "user already exists"}
	ErrInvalidCredentials = &Error{Code: CodeUnauthenticated, Message: "invalid credentials"}
	ErrForbidden          = &Error{Code: CodePermissionDenied, Message: "forbidden"}
	ErrDeliveryFailed     = &Error{Code: CodeUnavailable, Message: "live delivery failed"}
)

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func DuplicateUser(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func InvalidCredentials(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func Forbidden(msg string) error {
	return New(CodePermissionDenied, msg)
}

func DeliveryFailed(msg string, cause error) error {
	return Wrap(CodeUnavailable, msg, cause)
}

// CodeOf returns the code of the first *Error in the chain, or CodeUnknown.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// HTTPStatus maps an error to the status the HTTP surface responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
