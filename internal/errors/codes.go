package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents internal error codes for sync and storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeValidation      ErrorCode = 1002
	ErrCodeBackupNotFound  ErrorCode = 1003

	// Concurrency errors
	ErrCodeConflict    ErrorCode = 1100
	ErrCodeLockTimeout ErrorCode = 1101

	// Storage errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeStorageQuota      ErrorCode = 2002
	ErrCodeWriteVerification ErrorCode = 2003
	ErrCodeCorruptedData     ErrorCode = 2004

	// Request lifecycle errors
	ErrCodeRequestTimeout ErrorCode = 3000
	ErrCodeShutdown       ErrorCode = 3001
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *SyncError {
	return NewSyncError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func Validation(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeValidation, message, cause)
}

func Conflict(key string, expectedVersion, actualVersion int64, attempts int) *SyncError {
	return NewSyncError(ErrCodeConflict,
		fmt.Sprintf("version conflict on %q: expected %d, found %d", key, expectedVersion, actualVersion), nil).
		WithDetail("key", key).
		WithDetail("expected_version", expectedVersion).
		WithDetail("actual_version", actualVersion).
		WithDetail("attempts", attempts)
}

func LockTimeout(key, operation string, waited time.Duration) *SyncError {
	return NewSyncError(ErrCodeLockTimeout,
		fmt.Sprintf("timed out acquiring lock on %q after %s", key, waited), nil).
		WithDetail("key", key).
		WithDetail("operation", operation).
		WithDetail("waited", waited.String())
}

func WriteVerificationFailed(key string, expectedVersion, actualVersion int64) *SyncError {
	return NewSyncError(ErrCodeWriteVerification,
		fmt.Sprintf("write verification failed on %q: wrote version %d, read back %d", key, expectedVersion, actualVersion), nil).
		WithDetail("key", key).
		WithDetail("expected_version", expectedVersion).
		WithDetail("actual_version", actualVersion)
}

func StorageQuotaExceeded(size, limit int) *SyncError {
	return NewSyncError(ErrCodeStorageQuota,
		fmt.Sprintf("storage quota exceeded: entry size %d exceeds limit %d", size, limit), nil).
		WithDetail("size", size).
		WithDetail("limit", limit)
}

func BackupNotFound(key string, version int64) *SyncError {
	return NewSyncError(ErrCodeBackupNotFound,
		fmt.Sprintf("no backup of %q at version %d", key, version), nil).
		WithDetail("key", key).
		WithDetail("version", version)
}

func CorruptedData(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeCorruptedData, message, cause)
}

func RequestTimeout(requestID string, timeout time.Duration) *SyncError {
	return NewSyncError(ErrCodeRequestTimeout,
		fmt.Sprintf("request %s exceeded timeout of %s", requestID, timeout), nil).
		WithDetail("request_id", requestID).
		WithDetail("timeout", timeout.String())
}

func ShuttingDown(operation string) *SyncError {
	return NewSyncError(ErrCodeShutdown,
		fmt.Sprintf("%s rejected: shutdown in progress", operation), nil).
		WithDetail("operation", operation)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	_, ok := err.(*SyncError)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if se, ok := err.(*SyncError); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is a SyncError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
