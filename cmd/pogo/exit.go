package main

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Exit codes follow the BSD sysexits.h convention the teacher's own
// tooling scripts expect: 0 success, 64 bad usage, 69 a dependent
// service was unavailable, 70 an internal software error.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
)

// usageError marks a configuration or flag error the operator can fix
// by changing how they invoked pogo.
type usageError struct{ cause error }

func (e *usageError) Error() string { return e.cause.Error() }
func (e *usageError) Unwrap() error { return e.cause }

func newUsageError(msg string, cause error) error {
	return &usageError{cause: errors.Wrap(cause, msg)}
}

// unavailableError marks a startup failure in a dependent service
// (binding a socket, joining the fleet) rather than a bug in pogo
// itself.
type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return e.cause.Error() }
func (e *unavailableError) Unwrap() error { return e.cause }

func newUnavailableError(msg string, cause error) error {
	return &unavailableError{cause: errors.Wrap(cause, msg)}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}

	var ue *usageError
	if stderrors.As(err, &ue) {
		return exitUsage
	}

	var ae *unavailableError
	if stderrors.As(err, &ae) {
		return exitUnavailable
	}

	return exitSoftware
}
