// Package apperr classifies failures so callers and the API can react to the
// kind of error rather than its text.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by every component.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConnectivity Kind = "connectivity"
	KindRiskRejected Kind = "risk_rejected"
	KindPartial      Kind = "partial_failure"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error carries a kind, the failing operation and a machine-readable reason.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation rejects bad input before any side effect.
func Validation(op, reason string) *Error {
	return &Error{Kind: KindValidation, Op: op, Reason: reason}
}

// Validationf is Validation with formatting.
func Validationf(op, format string, args ...any) *Error {
	return Validation(op, fmt.Sprintf(format, args...))
}

// Connectivity wraps a broker timeout or transport failure.
func Connectivity(op string, err error) *Error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

// RiskRejected reports a limit breach with a typed reason.
func RiskRejected(op, reason string) *Error {
	return &Error{Kind: KindRiskRejected, Op: op, Reason: reason}
}

// Partial reports that some units of work failed while others succeeded.
func Partial(op, reason string) *Error {
	return &Error{Kind: KindPartial, Op: op, Reason: reason}
}

// NotFound reports a missing entity.
func NotFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Reason: what + " not found"}
}

// Conflict reports an illegal state transition.
func Conflict(op, reason string) *Error {
	return &Error{Kind: KindConflict, Op: op, Reason: reason}
}

// KindOf classifies any error. Context deadlines count as connectivity
// failures so timeouts and explicit broker errors are handled alike.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	return KindInternal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Reason returns the structured reason string of err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
