// Package cierrors provides structured error classification for CI
// registry, lifecycle, and IPC operations.
package cierrors

import (
	"errors"
	"fmt"
)

// Kind represents different categories of CI orchestration errors.
type Kind int8

const (
	// KindInput represents invalid caller input (nil handle, empty name,
	// oversized field).
	KindInput Kind = iota
	// KindNotFound represents a lookup miss (unknown CI name, missing
	// pending request).
	KindNotFound
	// KindStateConflict represents an operation invalid for the CI's
	// current lifecycle state (duplicate registration, bad transition).
	KindStateConflict
	// KindTransport represents a socket-level failure (connect, send,
	// receive, accept).
	KindTransport
	// KindProtocol represents a malformed or unparseable wire message.
	KindProtocol
	// KindResourceExhausted represents a full bounded table (registry,
	// poll set, pending requests).
	KindResourceExhausted
	// KindTimeout represents an expired pending request or deadline.
	KindTimeout
	// KindInternal represents default for unclassified failures.
	KindInternal
)

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal"
	default:
		return "invalid"
	}
}

// Error represents a classified orchestration error.
type Error struct {
	Err    error  // Wrapped underlying error
	Op     string // Operation that failed ("registry.add_ci", "ipc.send")
	Detail string // Human-readable detail
	Kind   Kind   // Classified error kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Detail, e.Kind.String(), e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Detail, e.Kind.String())
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind.String(), e.Err)
	default:
		return fmt.Sprintf("%s (%s)", e.Op, e.Kind.String())
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is comparison against another *Error by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind Kind) bool {
	var ciErr *Error
	if errors.As(err, &ciErr) {
		return ciErr.Kind == kind
	}
	return false
}

// KindOf returns the kind of an error, or KindInternal if not classified.
func KindOf(err error) Kind {
	var ciErr *Error
	if errors.As(err, &ciErr) {
		return ciErr.Kind
	}
	return KindInternal
}

// New creates a new classified error.
func New(kind Kind, op, detail string) *Error {
	return &Error{
		Kind:   kind,
		Op:     op,
		Detail: detail,
	}
}

// Newf creates a new classified error with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Op:     op,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new classified error wrapping a cause.
func Wrap(kind Kind, op string, cause error, detail string) *Error {
	return &Error{
		Kind:   kind,
		Op:     op,
		Err:    cause,
		Detail: detail,
	}
}
