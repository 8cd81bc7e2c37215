// Package nerr classifies errors raised by the overnight agent into the
// kinds the scheduler's main loop and safety coordinator reason about,
// mirroring the orchestrator package's Violation/ViolationType pattern.
package nerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy entries.
type Kind string

const (
	// KindValidation covers invalid configuration, unknown task id,
	// queue full. Surfaced to the caller, never retried.
	KindValidation Kind = "validation"
	// KindTransient covers VCS command timeout, filesystem busy.
	// Retried once within the same operation.
	KindTransient Kind = "transient"
	// KindOperational covers task executor failure, agent timeout,
	// merge failed, backup verification failed.
	KindOperational Kind = "operational"
	// KindSafetyViolation covers a danger-pattern match at High or
	// Critical that the configuration blocks. Never retried.
	KindSafetyViolation Kind = "safety_violation"
	// KindFatal covers resource Emergency and unrecoverable subsystem
	// failure. Triggers emergency_stop.
	KindFatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so that callers can
// switch on it with errors.As without string matching.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error for op with the given kind and cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
