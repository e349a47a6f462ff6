package eventsourcing

import (
	"errors"
	"fmt"
)

// Error kinds. Callers switch on kind via errors.Is, never on message text.
var (
	// ErrValidation is returned when input fails a schema or invariant check.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an aggregate or projection is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on domain-level uniqueness or state conflicts
	// (duplicate natural key, already-deleted, no-changes).
	ErrConflict = errors.New("conflict")

	// ErrConcurrencyConflict is returned when the expected version does not
	// match the stored version during an event store append.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrDuplicateEvent is returned when the (aggregateId, version) unique
	// index rejects an append. Command handlers treat it like a concurrency
	// conflict and retry.
	ErrDuplicateEvent = errors.New("duplicate event: aggregate version already exists")

	// ErrStorageFailure is returned when the underlying store is unavailable.
	ErrStorageFailure = errors.New("storage failure")

	// ErrBusFailure is returned when the underlying broker is unavailable.
	ErrBusFailure = errors.New("bus failure")

	// ErrUnauthorized is surfaced from external collaborators.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is surfaced from external collaborators.
	ErrForbidden = errors.New("forbidden")

	// ErrInternal covers anything else; logged with detail, surfaced generically.
	ErrInternal = errors.New("internal error")
)

var (
	// ErrCommandNotFound is returned when no handler is registered for a command type.
	ErrCommandNotFound = errors.New("command handler not found")

	// ErrSnapshotNotFound is returned when a snapshot cannot be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Pre-built conflicts shared by every aggregate.
var (
	// ErrAlreadyDeleted rejects commands against a terminal aggregate.
	ErrAlreadyDeleted = &DomainError{Kind: ErrConflict, Code: "ALREADY_DELETED", Message: "aggregate has been deleted"}

	// ErrNoChanges rejects updates that would have no net effect.
	ErrNoChanges = &DomainError{Kind: ErrConflict, Code: "NO_CHANGES", Message: "update contains no changes"}
)

// DomainError attaches a stable machine-readable code to an error kind.
// errors.Is matches both the kind sentinel and other DomainErrors sharing
// the same code.
type DomainError struct {
	Kind    error
	Code    string
	Message string
	cause   error
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e == other || (e.Code != "" && e.Code == other.Code)
	}
	return errors.Is(e.Kind, target)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

// NewValidationError builds a ValidationError-kind DomainError.
func NewValidationError(code, message string) *DomainError {
	return &DomainError{Kind: ErrValidation, Code: code, Message: message}
}

// NewNotFoundError builds a NotFound-kind DomainError.
func NewNotFoundError(code, message string) *DomainError {
	return &DomainError{Kind: ErrNotFound, Code: code, Message: message}
}

// NewConflictError builds a Conflict-kind DomainError.
func NewConflictError(code, message string) *DomainError {
	return &DomainError{Kind: ErrConflict, Code: code, Message: message}
}

// WrapStorageFailure classifies a low-level store fault. The cause stays
// reachable through errors.Unwrap.
func WrapStorageFailure(err error) error {
	if err == nil {
		return nil
	}
	return &DomainError{Kind: ErrStorageFailure, Code: "STORAGE_FAILURE", Message: err.Error(), cause: err}
}

// WrapBusFailure classifies a broker fault.
func WrapBusFailure(err error) error {
	if err == nil {
		return nil
	}
	return &DomainError{Kind: ErrBusFailure, Code: "BUS_FAILURE", Message: err.Error(), cause: err}
}

// IsRetryable reports whether a command handler should re-load and retry.
// Only concurrency kinds qualify; everything else propagates.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrDuplicateEvent)
}

// KindName returns the symbolic taxonomy name for an error, used when
// errors cross the wire.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConcurrencyConflict):
		return "ConcurrencyConflict"
	case errors.Is(err, ErrDuplicateEvent):
		return "DuplicateEvent"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrStorageFailure):
		return "StorageFailure"
	case errors.Is(err, ErrBusFailure):
		return "BusFailure"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	default:
		return "Internal"
	}
}
