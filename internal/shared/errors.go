package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that can never succeed as given.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent write or version mismatch.
	ErrConflict = errors.New("conflict")
	// ErrSync marks a non-fatal mirror projection failure.
	ErrSync = errors.New("mirror sync failed")
	// ErrTransactionAborted marks a rolled back multi-record operation.
	ErrTransactionAborted = errors.New("transaction aborted")
)

// ValidationError reports a rejected field or invariant.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing session, period, allocation or entry.
type NotFoundError struct {
	Resource string
	Key      string
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a version mismatch or concurrent update.
type ConflictError struct {
	Resource string
	Key      string
	Reason   string
}

// NewConflictError builds a ConflictError.
func NewConflictError(resource, key, reason string) *ConflictError {
	return &ConflictError{Resource: resource, Key: key, Reason: reason}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.Key, e.Reason)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// SyncError wraps a failed mirror upsert of one allocation.
type SyncError struct {
	AllocationID string
	OwnerID      string
	Err          error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("mirror allocation %s for %s: %v", e.AllocationID, e.OwnerID, e.Err)
}

// Is matches ErrSync.
func (e *SyncError) Is(target error) bool { return target == ErrSync }

// Unwrap exposes the underlying failure.
func (e *SyncError) Unwrap() error { return e.Err }

// TransactionAbortError reports that a whole multi-period operation rolled back.
type TransactionAbortError struct {
	Op  string
	Err error
}

// NewTransactionAbortError wraps err unless it already is an abort.
func NewTransactionAbortError(op string, err error) error {
	if err == nil {
		return nil
	}
	var abort *TransactionAbortError
	if errors.As(err, &abort) {
		return err
	}
	return &TransactionAbortError{Op: op, Err: err}
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("%s aborted: %v", e.Op, e.Err)
}

// Is matches ErrTransactionAborted.
func (e *TransactionAbortError) Is(target error) bool { return target == ErrTransactionAborted }

// Unwrap exposes the cause so callers can still match validation or conflict errors.
func (e *TransactionAbortError) Unwrap() error { return e.Err }
