// Package errs defines the error-kind taxonomy shared across the copy-trading
// core. Callers classify an error with errors.Is against the kind values
// below, not type assertions.
package errs

import (
	"errors"
	"fmt"
)

// Kind values. Never compared directly by callers — use Is.
var (
	ConfigInvalid       = errors.New("config invalid")
	NotFound            = errors.New("not found")
	Conflict            = errors.New("conflict")
	Unauthenticated     = errors.New("unauthenticated")
	StorageError        = errors.New("storage error")
	ExchangeUnavailable = errors.New("exchange unavailable")
	SigningError        = errors.New("signing error")
	DecryptionError     = errors.New("decryption error")
	PriceUnavailable    = errors.New("price unavailable")
	Skip                = errors.New("skip")
)

// Wrap builds a new error of the given kind from a format string, so
// errors.Is(err, kind) holds; it has no cause, and errors.Unwrap returns
// the kind itself.
func Wrap(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...), cause: nil}
}

// WrapErr is like Wrap but also preserves cause for errors.Unwrap chains.
func WrapErr(kind error, cause error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.kind
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

