package triage

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories every public operation
// may return. No other error shape crosses the engine boundary.
type ErrorKind string

const (
	KindDuplicateID      ErrorKind = "duplicate_id"
	KindUnknownID        ErrorKind = "unknown_id"
	KindInvalidPriority  ErrorKind = "invalid_priority"
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	KindUnknownLease     ErrorKind = "unknown_lease"
	KindLeaseExpired     ErrorKind = "lease_expired"
	KindAlreadyTerminal  ErrorKind = "already_terminal"
	KindShuttingDown     ErrorKind = "shutting_down"
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"
)

// Error is the concrete error type returned by engine operations.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func kindErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, reporting false for foreign errors.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
