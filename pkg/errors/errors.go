package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeInvalidSession      ErrorCode = "INVALID_SESSION"
	ErrCodeStreamError         ErrorCode = "STREAM_ERROR"
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeCouldNotConnect     ErrorCode = "COULD_NOT_CONNECT"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromResponse classifies a non-2xx control plane reply. kind is the server's
// error kind (may be empty) and description its human readable message.
func FromResponse(status int, kind, description string) *AppError {
	if description == "" {
		description = http.StatusText(status)
	}
	lower := strings.ToLower(kind + " " + description)

	code := ErrCodeInternal
	switch {
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case strings.Contains(lower, "insufficient") && strings.Contains(lower, "credit"):
		code = ErrCodeInsufficientCredits
	case strings.Contains(lower, "invalid session"):
		code = ErrCodeInvalidSession
	case strings.Contains(lower, "stream error"):
		code = ErrCodeStreamError
	case strings.Contains(lower, "could not connect"):
		code = ErrCodeCouldNotConnect
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrCodeUnauthorized
	case status == http.StatusNotFound:
		code = ErrCodeNotFound
	case status == http.StatusBadRequest:
		code = ErrCodeInvalidInput
	case status == http.StatusServiceUnavailable:
		code = ErrCodeServiceUnavailable
	}

	err := NewAppError(code, description, status)
	if kind != "" {
		err.WithContext("kind", kind)
	}
	return err
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether the chain holds an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
