package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the short machine-readable code a client sees on a failed
// operation. The set is part of the wire contract; new kinds are additions,
// never renames.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindInvalidInput ErrorKind = "invalid_input"
	KindTimeout      ErrorKind = "timeout"
	KindInternal     ErrorKind = "internal"
)

// AppError is an error with a client-visible kind. The message is safe to
// send to clients; wrapped causes are not.
type AppError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// NewAppError builds an AppError of the given kind.
func NewAppError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// WrapAppError builds an AppError that keeps its cause for logs while the
// client only ever sees kind+message.
func WrapAppError(kind ErrorKind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, cause: cause}
}

func Unauthorized(message string) *AppError { return NewAppError(KindUnauthorized, message) }
func NotFound(message string) *AppError     { return NewAppError(KindNotFound, message) }
func Conflict(message string) *AppError     { return NewAppError(KindConflict, message) }
func InvalidInput(message string) *AppError { return NewAppError(KindInvalidInput, message) }
func Timeout(message string) *AppError      { return NewAppError(KindTimeout, message) }

// Internal wraps an unclassified failure. The cause stays server-side.
func Internal(message string, cause error) *AppError {
	return WrapAppError(KindInternal, message, cause)
}

// KindOf extracts the client-visible kind of err, defaulting to internal for
// anything that is not an AppError.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// ClientMessage returns the message safe to show a client for err.
func ClientMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// httpStatus maps an error kind onto the HTTP status used by the REST surface.
func httpStatus(kind ErrorKind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}

// RespondAppError sends the HTTP rendering of an AppError (or of the internal
// fallback for plain errors).
func RespondAppError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(kind))
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   string(kind),
		Message: ClientMessage(err),
		Code:    httpStatus(kind),
	})
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
