package errors

import (
	"errors"
	"fmt"
	"net/http"

	"voxrelay/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeCacheUnavailable   ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeConnectionLost     ErrorCode = "CONNECTION_LOST"
	ErrCodeProtocol           ErrorCode = "PROTOCOL_ERROR"
	ErrCodeDeviceAccess       ErrorCode = "DEVICE_ACCESS"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
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

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// StoreUnavailable translates a durable store failure. The cause chain keeps
// domain.ErrStoreUnavailable so errors.Is works for callers.
func StoreUnavailable(op string, cause error) *AppError {
	if !errors.Is(cause, domain.ErrStoreUnavailable) {
		cause = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, cause)
	}
	return WrapError(cause, ErrCodeStoreUnavailable,
		fmt.Sprintf("voice state could not be saved (%s), try again shortly", op),
		http.StatusServiceUnavailable)
}

// CacheUnavailable is never surfaced to users; it exists for logging.
func CacheUnavailable(op string, cause error) *AppError {
	if !errors.Is(cause, domain.ErrCacheUnavailable) {
		cause = fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, cause)
	}
	return WrapError(cause, ErrCodeCacheUnavailable, op, http.StatusServiceUnavailable)
}

func ProtocolError(message string) *AppError {
	return WrapError(domain.ErrProtocol, ErrCodeProtocol, message, http.StatusBadRequest)
}

func PermissionDenied(cause error) *AppError {
	if cause == nil {
		cause = domain.ErrPermissionDenied
	} else if !errors.Is(cause, domain.ErrPermissionDenied) {
		cause = fmt.Errorf("%w: %v", domain.ErrPermissionDenied, cause)
	}
	return WrapError(cause, ErrCodePermissionDenied,
		"microphone access was denied, allow it in your browser or system settings to join voice",
		http.StatusForbidden)
}

func ConnectionLost(cause error) *AppError {
	if cause == nil {
		cause = domain.ErrConnectionLost
	} else if !errors.Is(cause, domain.ErrConnectionLost) {
		cause = fmt.Errorf("%w: %v", domain.ErrConnectionLost, cause)
	}
	return WrapError(cause, ErrCodeConnectionLost,
		"lost connection to voice, check your network and rejoin the channel",
		http.StatusServiceUnavailable)
}

func DeviceAccess(cause error) *AppError {
	if cause == nil {
		cause = domain.ErrDeviceAccess
	} else if !errors.Is(cause, domain.ErrDeviceAccess) {
		cause = fmt.Errorf("%w: %v", domain.ErrDeviceAccess, cause)
	}
	return WrapError(cause, ErrCodeDeviceAccess,
		"your microphone was disconnected, reconnect it and rejoin the channel",
		http.StatusServiceUnavailable)
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

// UserMessage returns the message safe to show to an end user.
func UserMessage(err error) string {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Message
	}
	return "internal error"
}
