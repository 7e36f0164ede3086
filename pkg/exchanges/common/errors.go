package common

import (
	"errors"
	"fmt"
)

// ErrorKind is the normalized classification of an adapter failure.
type ErrorKind string

const (
	KindUnknownOrder ErrorKind = "UNKNOWN_ORDER"
	KindTransient    ErrorKind = "TRANSIENT"
	KindRejected     ErrorKind = "REJECTED"
	KindRateLimited  ErrorKind = "RATE_LIMITED"
)

// Retryable reports whether a later attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error carries the classification of a failed adapter call.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError builds a classified adapter error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error to a Kind. Unclassified errors and timeouts are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// IsUnknownOrder is a shorthand for Classify(err) == KindUnknownOrder.
func IsUnknownOrder(err error) bool {
	return err != nil && Classify(err) == KindUnknownOrder
}
