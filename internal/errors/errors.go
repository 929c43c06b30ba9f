// Package errors provides error code definitions for syncbridge.
package errors

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrorCode represents a unique error code attached to sync failures so
// that outcomes stay inspectable after the fact.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_ERROR"

	// Sync errors, per-entry
	ErrTransientStore  ErrorCode = "TRANSIENT_STORE_ERROR" // timeout, connection loss; retried next cycle
	ErrConstraint      ErrorCode = "CONSTRAINT_VIOLATION"  // FK/unique violation; surfaced, not auto-retried
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"      // routed to the conflict resolver

	// Sync errors, cycle-level
	ErrCycleFatal     ErrorCode = "CYCLE_FATAL"      // store unreachable; cycle aborts, watermark untouched
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS" // single-flight rejection
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal when err has none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// MySQL server error numbers that indicate an integrity violation on apply.
var mysqlConstraintErrnos = map[uint16]bool{
	1062: true, // ER_DUP_ENTRY
	1216: true, // ER_NO_REFERENCED_ROW
	1217: true, // ER_ROW_IS_REFERENCED
	1451: true, // ER_ROW_IS_REFERENCED_2
	1452: true, // ER_NO_REFERENCED_ROW_2
	3819: true, // ER_CHECK_CONSTRAINT_VIOLATED
}

// Classify maps an apply failure onto the per-entry taxonomy: constraint
// violations are not retried, transient store errors are retried next
// cycle. Errors already carrying a code pass through unchanged.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		if mysqlConstraintErrnos[myErr.Number] {
			return Wrap(ErrConstraint, "integrity violation", err)
		}
		return Wrap(ErrTransientStore, "mysql error", err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Wrap(ErrTransientStore, "apply timed out", err)
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, mysql.ErrInvalidConn) {
		return Wrap(ErrTransientStore, "connection lost", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return Wrap(ErrTransientStore, "network error", err)
	}

	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_* as message text.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "unique") ||
		strings.Contains(msg, "foreign key") {
		return Wrap(ErrConstraint, "integrity violation", err)
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "broken pipe") {
		return Wrap(ErrTransientStore, "store unavailable", err)
	}

	return Wrap(ErrInternal, "apply failed", err)
}
