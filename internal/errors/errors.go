// Package errors provides structured error handling for perimetra operations.
// It defines error codes, error types, and utilities for creating and
// classifying errors across the scan pipeline.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"

	// Scan pipeline errors.
	CodeTargetInvalid  ErrorCode = "TARGET_INVALID"
	CodeScanInProgress ErrorCode = "SCAN_IN_PROGRESS"
	CodeDispatchFailed ErrorCode = "DISPATCH_FAILED"
	CodeReportFormat   ErrorCode = "REPORT_FORMAT"
	CodeVulnDispatch   ErrorCode = "VULN_DISPATCH"
	CodeReconFailed    ErrorCode = "RECON_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"
)

// ScanError represents an error that occurred during scan orchestration.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Cause: err}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target, Cause: err}
}

// DispatchError represents a failure talking to a remote scanning worker.
type DispatchError struct {
	Code       ErrorCode
	Message    string
	Worker     string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (worker: %s, status: %d)", e.Code, e.Message, e.Worker, e.StatusCode)
	}
	if e.Worker != "" {
		return fmt.Sprintf("[%s] %s (worker: %s)", e.Code, e.Message, e.Worker)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// WithStatus attaches the upstream HTTP status code.
func (e *DispatchError) WithStatus(status int) *DispatchError {
	e.StatusCode = status
	return e
}

// NewDispatchError creates a new dispatch error.
func NewDispatchError(code ErrorCode, message, worker string) *DispatchError {
	return &DispatchError{Code: code, Message: message, Worker: worker}
}

// WrapDispatchError wraps an existing error as a dispatch error.
func WrapDispatchError(code ErrorCode, message, worker string, err error) *DispatchError {
	return &DispatchError{Code: code, Message: message, Worker: worker, Cause: err}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field}
}

// Utility functions for common error operations

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *DispatchError:
		return e.Code
	case *DatabaseError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict reports whether the error indicates a uniqueness conflict.
func IsConflict(err error) bool {
	return IsCode(err, CodeConflict)
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeDatabaseTimeout, CodeDatabaseConnection:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "invalid target specification", target)
}

// ErrScanInProgress creates an error for a rejected concurrent submission.
func ErrScanInProgress(owner string) *ScanError {
	return NewScanError(CodeScanInProgress, fmt.Sprintf("a scan is already running for user %s", owner))
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "failed to connect to database", err)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "required configuration field missing", field)
}
