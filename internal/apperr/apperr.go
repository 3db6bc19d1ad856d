package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers and transports
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindOutOfStock            Kind = "OUT_OF_STOCK"
	KindValidation            Kind = "VALIDATION_ERROR"
	KindInvalidTransition     Kind = "INVALID_TRANSITION"
	KindAlreadyRated          Kind = "ALREADY_RATED"
	KindNotAuthorized         Kind = "NOT_AUTHORIZED"
	KindInconsistencyDetected Kind = "INCONSISTENCY_DETECTED"
	KindConflict              Kind = "CONFLICT"
	KindInternal              Kind = "INTERNAL"
)

// Sentinels for errors.Is matching by kind
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrOutOfStock            = &Error{Kind: KindOutOfStock}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrAlreadyRated          = &Error{Kind: KindAlreadyRated}
	ErrNotAuthorized         = &Error{Kind: KindNotAuthorized}
	ErrInconsistencyDetected = &Error{Kind: KindInconsistencyDetected}
	ErrConflict              = &Error{Kind: KindConflict}
)

// Storage-level conditions, translated into kinds by the service layer
var (
	ErrVersionConflict = errors.New("order version conflict")
	ErrStockExhausted  = errors.New("option stock exhausted")
	ErrDuplicateOrder  = errors.New("order with this idempotency key already exists")
)

// Error is a classified failure with a human-readable reason
type Error struct {
	Kind       Kind     `json:"kind"`
	Reason     string   `json:"reason"`
	Violations []string `json:"violations,omitempty"`
	Err        error    `json:"-"`
}

// Error formats kind, reason, violations and cause
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Violations) > 0 {
		msg += " (" + strings.Join(e.Violations, "; ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that errors.Is(err, ErrNotFound) holds for any
// not-found error regardless of its reason
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// NotFound builds a not-found error
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// InvalidTransition builds an error for a forbidden state change
func InvalidTransition(format string, args ...interface{}) *Error {
	return New(KindInvalidTransition, format, args...)
}

// NotAuthorized builds an error for a caller acting on another's data
func NotAuthorized(format string, args ...interface{}) *Error {
	return New(KindNotAuthorized, format, args...)
}

// Validation reports every violation at once
func Validation(violations []string) *Error {
	return &Error{
		Kind:       KindValidation,
		Reason:     "request is invalid",
		Violations: violations,
	}
}

// KindOf returns the kind of err, or KindInternal when it is unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
