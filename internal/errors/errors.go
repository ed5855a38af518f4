package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Lookup
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeTokenNotFound     ErrorCode = "TOKEN_NOT_FOUND"
	ErrCodeDeviceNotFound    ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodePairNotFound      ErrorCode = "PAIR_NOT_FOUND"
	ErrCodeSecondaryNotFound ErrorCode = "SECONDARY_NOT_FOUND"

	// Pairing policy
	ErrCodeSlotOccupied   ErrorCode = "SLOT_OCCUPIED"
	ErrCodeAlreadyPaired  ErrorCode = "ALREADY_PAIRED"
	ErrCodePairMismatch   ErrorCode = "PAIR_MISMATCH"
	ErrCodeNothingPending ErrorCode = "NOTHING_PENDING"

	// Protocol
	ErrCodeInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Admin
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func TokenNotFound() *AppError {
	return New(ErrCodeTokenNotFound, "Token not found or expired")
}

func DeviceNotFound(deviceID string) *AppError {
	return New(ErrCodeDeviceNotFound, "Device not found").WithDetails(map[string]string{"deviceId": deviceID})
}

func PairNotFound() *AppError {
	return New(ErrCodePairNotFound, "Pair not found")
}

func SecondaryNotFound() *AppError {
	return New(ErrCodeSecondaryNotFound, "Secondary device not found")
}

func SlotOccupied(role string) *AppError {
	return New(ErrCodeSlotOccupied, fmt.Sprintf("%s slot is already occupied", role))
}

func AlreadyPaired() *AppError {
	return New(ErrCodeAlreadyPaired, "Device already belongs to a pair")
}

func PairMismatch() *AppError {
	return New(ErrCodePairMismatch, "Device does not belong to this pair")
}

func NothingPending() *AppError {
	return New(ErrCodeNothingPending, "No secondary device awaiting confirmation")
}

func InvalidPayload(reason string) *AppError {
	return New(ErrCodeInvalidPayload, fmt.Sprintf("Invalid payload: %s", reason))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
