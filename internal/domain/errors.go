package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a shell error. The kind is part of the public
// contract: the REPL prints it, recordings persist it, and callers
// branch on it.
type ErrorKind string

const (
	ErrSyntax             ErrorKind = "SyntaxError"
	ErrPermissionDenied   ErrorKind = "PermissionDenied"
	ErrNotFound           ErrorKind = "NotFound"
	ErrInvalidArgument    ErrorKind = "InvalidArgument"
	ErrExecutionFailure   ErrorKind = "ExecutionFailure"
	ErrTimeout            ErrorKind = "Timeout"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrMemoryExceeded     ErrorKind = "MemoryExceeded"
	ErrTransactionAborted ErrorKind = "TransactionAborted"
	ErrInternal           ErrorKind = "InternalError"
)

// Error is the one error type that flows up the execute stack. Offset is
// a byte offset into the offending input for syntax errors; -1 when not
// applicable.
type Error struct {
	Kind    ErrorKind
	Message string
	Source  error
	Offset  int
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s (offset %d)", e.Kind, e.Message, e.Offset)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Source }

// Is matches two domain errors by kind, so errors.Is(err, &Error{Kind: k})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError constructs a taxonomy error without an offset.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// WrapError attaches a cause to a taxonomy error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Source: err, Offset: -1}
}

// SyntaxErrorAt constructs a SyntaxError carrying the byte offset of the
// defect within the original input.
func SyntaxErrorAt(offset int, format string, args ...any) *Error {
	return &Error{Kind: ErrSyntax, Message: fmt.Sprintf(format, args...), Offset: offset}
}

// KindOf extracts the taxonomy kind from any error. Non-domain errors
// classify as InternalError; context cancellations and deadline errors
// map to Cancelled and Timeout respectively by the caller before they
// reach here.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
