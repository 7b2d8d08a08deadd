package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies failures so transports can decide between retry, reject and escalate.
type Kind string

const (
	KindInvalidInput           Kind = "invalid_input"
	KindAuthenticationFailure  Kind = "authentication_failure"
	KindReconciliationConflict Kind = "reconciliation_conflict"
	KindReconciliationError    Kind = "reconciliation_error"
	KindUnresolvedIdentity     Kind = "unresolved_identity"
	KindTimeout                Kind = "timeout"
	KindNotFound               Kind = "not_found"
	KindForbidden              Kind = "forbidden"
)

// Error carries a Kind together with the failing operation and the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" {
		message = string(e.Kind)
	}
	if e.Op != "" {
		message = e.Op + ": " + message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

func InvalidInput(op, message string) *Error {
	return New(KindInvalidInput, op, message, nil)
}

func AuthenticationFailure(op string, cause error) *Error {
	return New(KindAuthenticationFailure, op, "authentication failed", cause)
}

func ReconciliationError(op string, cause error) *Error {
	return New(KindReconciliationError, op, "reconciliation failed", cause)
}

func UnresolvedIdentity(op, externalID string) *Error {
	return New(KindUnresolvedIdentity, op, fmt.Sprintf("identity %q is not resolvable", externalID), nil)
}

// Timeout reports an indeterminate outcome: the store did not answer in time.
func Timeout(op string, cause error) *Error {
	return New(KindTimeout, op, "outcome indeterminate", cause)
}

func NotFound(op, resource, id string) *Error {
	return New(KindNotFound, op, fmt.Sprintf("%s %s not found", resource, id), nil)
}

func Forbidden(op, message string) *Error {
	return New(KindForbidden, op, message, nil)
}

// KindOf returns the Kind of the first *Error in the chain, or the empty Kind.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is reports whether err carries the provided kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindReconciliationError, KindReconciliationConflict:
		return true
	default:
		return false
	}
}
