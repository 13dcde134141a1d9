package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1004
	ErrCodeCASMismatch     ErrorCode = 1005

	// Environment errors surfaced by Open/Recover
	ErrCodeDirMissing         ErrorCode = 1500
	ErrCodeLocked             ErrorCode = 1501
	ErrCodeIncompatibleFormat ErrorCode = 1502

	// Server errors
	ErrCodeInternal   ErrorCode = 2000
	ErrCodeIO         ErrorCode = 2001
	ErrCodeDiskFull   ErrorCode = 2002
	ErrCodeWALFailed  ErrorCode = 2003
	ErrCodeCorruption ErrorCode = 2004
	ErrCodeClosed     ErrorCode = 2005
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func CASMismatch(key string) *StorageError {
	return NewStorageError(ErrCodeCASMismatch, fmt.Sprintf("compare-and-swap mismatch for key: %s", key), nil).
		WithDetail("key", key)
}

func DirMissing(path string) *StorageError {
	return NewStorageError(ErrCodeDirMissing, fmt.Sprintf("data directory does not exist: %s", path), nil).
		WithDetail("path", path)
}

func Locked(path string, pid int) *StorageError {
	return NewStorageError(ErrCodeLocked, fmt.Sprintf("data directory locked by pid %d: %s", pid, path), nil).
		WithDetail("path", path).
		WithDetail("pid", pid)
}

func IncompatibleFormat(component string, got, want uint32) *StorageError {
	return NewStorageError(ErrCodeIncompatibleFormat, fmt.Sprintf("%s format version %d is not supported (want %d)", component, got, want), nil).
		WithDetail("component", component).
		WithDetail("got", got).
		WithDetail("want", want)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

// IOFailed reports an unrecoverable device failure. It is surfaced to the
// caller after bounded retries and is never retried silently across process
// restarts.
func IOFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func WALFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeWALFailed, message, cause)
}

// Corruption reports a structural invariant violation in the trusted region
// of the log. A torn tail is not corruption and never produces this error.
func Corruption(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruption, message, cause)
}

func Closed() *StorageError {
	return NewStorageError(ErrCodeClosed, "engine is closed", nil)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err is the NotFound result. NotFound is a
// normal outcome of a read, not a failure.
func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeKeyNotFound
}

// IsCorruption reports whether err is a trusted-prefix corruption error.
func IsCorruption(err error) bool {
	return GetCode(err) == ErrCodeCorruption
}

// IsCASMismatch reports whether err is a compare-and-swap mismatch.
func IsCASMismatch(err error) bool {
	return GetCode(err) == ErrCodeCASMismatch
}
