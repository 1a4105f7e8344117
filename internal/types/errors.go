package types

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors
var (
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrLeaseLost         = errors.New("lease lost")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is not cancellable")
	ErrJobNotRetryable   = errors.New("job is not retryable")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrJobCancelled      = errors.New("job cancelled")
	ErrUnknownJobType    = errors.New("unknown job type")
)

// ValidationError is returned for malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidationErrors collects several field failures into one error.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// AdapterError wraps a failure reported by an external system adapter.
type AdapterError struct {
	Adapter   string
	Op        string
	Permanent bool
	Err       error
}

func (e *AdapterError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s adapter %s failed (%s): %v", e.Adapter, e.Op, kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// TransientAdapterError marks err as worth retrying
func TransientAdapterError(adapter, op string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Op: op, Err: err}
}

// PermanentAdapterError marks err as not worth retrying
func PermanentAdapterError(adapter, op string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Op: op, Permanent: true, Err: err}
}

// TimeoutError is returned when a job or a step exceeds its time budget.
type TimeoutError struct {
	Scope string
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return e.Scope + " timed out"
	}
	return fmt.Sprintf("%s timed out: %v", e.Scope, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// DuplicateJobError is returned by enqueue when an active job already owns the
// idempotency key.
type DuplicateJobError struct {
	IdempotencyKey string
	ExistingJobID  uuid.UUID
}

func (e *DuplicateJobError) Error() string {
	if e.ExistingJobID == uuid.Nil {
		return fmt.Sprintf("duplicate job for idempotency key %q", e.IdempotencyKey)
	}
	return fmt.Sprintf("duplicate job for idempotency key %q: existing job %s", e.IdempotencyKey, e.ExistingJobID)
}

// Is lets errors.Is(err, ErrDuplicateJob) match
func (e *DuplicateJobError) Is(target error) bool {
	return target == ErrDuplicateJob
}

// LeaseLostError is returned when a worker writes to a job it no longer holds.
type LeaseLostError struct {
	JobID    uuid.UUID
	WorkerID string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease on job %s no longer held by %s", e.JobID, e.WorkerID)
}

// Is lets errors.Is(err, ErrLeaseLost) match
func (e *LeaseLostError) Is(target error) bool {
	return target == ErrLeaseLost
}

// PermanentError marks any error as non-retryable
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return true
	}

	var valErrs ValidationErrors
	if errors.As(err, &valErrs) {
		return true
	}

	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Permanent
	}

	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrUnknownJobType)
}

// IsValidationError reports whether err is caller input that failed validation
func IsValidationError(err error) bool {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return true
	}
	var valErrs ValidationErrors
	return errors.As(err, &valErrs)
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a failed job may be attempted again.
// Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobCancelled) {
		return false
	}
	return !IsPermanent(err)
}
