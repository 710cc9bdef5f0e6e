// Package faults defines the tagged error values surfaced at component
// boundaries. Deep code returns these instead of unwinding; only the HTTP
// layer converts them into transport responses.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a fault for retry policy and user-facing mapping.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindTimeout             Kind = "Timeout"
	KindStateConflict       Kind = "StateConflict"
	KindInternal            Kind = "Internal"
)

// Fault is the structured error form exchanged between components.
type Fault struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// New creates a fault with the retryability implied by its kind.
// Timeout and ProviderUnavailable are retryable; everything else is not.
func New(kind Kind, message string) *Fault {
	return &Fault{
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindTimeout || kind == KindProviderUnavailable,
	}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a fault around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Fault {
	f := New(kind, message)
	f.Cause = cause
	return f
}

// Validation is shorthand for a non-retryable validation fault.
func Validation(format string, args ...any) *Fault {
	return Newf(KindValidation, format, args...)
}

// NotFound is shorthand for a missing-entity fault.
func NotFound(format string, args ...any) *Fault {
	return Newf(KindNotFound, format, args...)
}

// StateConflict is shorthand for an illegal-transition fault.
func StateConflict(format string, args ...any) *Fault {
	return Newf(KindStateConflict, format, args...)
}

// Timeout is shorthand for a bounded-wait-exceeded fault.
func Timeout(format string, args ...any) *Fault {
	return Newf(KindTimeout, format, args...)
}

// Internal wraps an unexpected error. The original error is preserved as
// the cause so boundaries can log it with full detail.
func Internal(cause error) *Fault {
	return Wrap(KindInternal, "unexpected error", cause)
}

// KindOf extracts the Kind from an error chain. Errors that are not faults
// report KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error chain contains a retryable fault.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}

// Is lets errors.Is match faults by kind when the target is a bare fault
// created with New(kind, "").
func (f *Fault) Is(target error) bool {
	var tf *Fault
	if !errors.As(target, &tf) {
		return false
	}
	return f.Kind == tf.Kind
}
