package types

import (
	"errors"
	"fmt"
)

// Errors returned by the sync engine.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, types.ErrNotFound) {
//	    // record has no history yet
//	}
var (
	// ErrNotFound is returned for an unknown record, version, conflict
	// or device.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a concurrent edit is left unresolved,
	// either because policy requires manual resolution or because the
	// record head moved while a resolution was being written.
	ErrConflict = errors.New("unresolved conflict")

	// ErrQueueFull is returned when an offline queue is at capacity.
	// Callers must retry later or drop the operation.
	ErrQueueFull = errors.New("offline queue full")

	// ErrDeliveryFailed is returned when a real-time push could not reach
	// a device. The update falls back to the backlog.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrOperationExhausted is recorded when an offline operation has
	// failed maxAttempts times and was dropped.
	ErrOperationExhausted = errors.New("operation exhausted retries")

	// ErrCancelled is returned when a sync pass was stopped by its caller.
	ErrCancelled = errors.New("sync cancelled")

	// ErrAlreadyProcessing is reported when a queue for the same
	// (user, device) is already being drained.
	ErrAlreadyProcessing = errors.New("already processing")

	// ErrInvalidContent is returned when record content cannot be
	// canonically serialized or decoded into its typed variant.
	ErrInvalidContent = errors.New("invalid content")

	// ErrAlreadyResolved is returned when resolving a conflict twice.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Capacity frees up as the queue drains
	if errors.Is(err, ErrQueueFull) {
		return true
	}

	// The device may be reachable on the next attempt
	if errors.Is(err, ErrDeliveryFailed) {
		return true
	}

	if errors.Is(err, ErrAlreadyProcessing) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error needs a person to decide,
// such as a conflict waiting for manual resolution.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConflict) {
		return true
	}

	// Dropped operations are lost unless the user re-applies them
	if errors.Is(err, ErrOperationExhausted) {
		return true
	}

	return false
}

// ErrorCode is the short machine-readable form of an error in pass results.
type ErrorCode string

const (
	CodeNotFound           ErrorCode = "not_found"
	CodeConflict           ErrorCode = "conflict"
	CodeQueueFull          ErrorCode = "queue_full"
	CodeDeliveryFailed     ErrorCode = "delivery_failed"
	CodeOperationExhausted ErrorCode = "operation_exhausted"
	CodeCancelled          ErrorCode = "cancelled"
	CodeInvalidContent     ErrorCode = "invalid_content"
	CodeInternal           ErrorCode = "internal"
)

// CodeOf maps an error onto its ErrorCode.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	case errors.Is(err, ErrOperationExhausted):
		return CodeOperationExhausted
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	default:
		return CodeInternal
	}
}

// SyncError is a per-record failure recorded in a sync pass result.
// It does not abort the pass.
type SyncError struct {
	Phase    string    `json:"phase" yaml:"phase"`
	RecordID string    `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Code     ErrorCode `json:"code" yaml:"code"`
	Message  string    `json:"message" yaml:"message"`
}

// NewSyncError builds a SyncError from err.
func NewSyncError(phase, recordID string, err error) SyncError {
	return SyncError{
		Phase:    phase,
		RecordID: recordID,
		Code:     CodeOf(err),
		Message:  err.Error(),
	}
}

func (e SyncError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("%s: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Phase, e.RecordID, e.Message)
}
