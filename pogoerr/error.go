// Package pogoerr defines the error kinds surfaced across dispatcher
// operations, per the error handling design in the specification.
package pogoerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a class of failure. Callers branch on Kind, never on
// the message text.
type Kind string

// Error kinds.
const (
	InvalidSpec               Kind = "InvalidSpec"
	UnknownNamespace           Kind = "UnknownNamespace"
	UnknownTag                 Kind = "UnknownTag"
	UnparseableRange           Kind = "UnparseableRange"
	EmptyExpansion             Kind = "EmptyExpansion"
	CoordinationStoreUnavailable Kind = "CoordinationStoreUnavailable"
	CASConflict                Kind = "CASConflict"
	WorkerLost                 Kind = "WorkerLost"
	DispatchRejected           Kind = "DispatchRejected"
	Timeout                    Kind = "Timeout"
	Cancelled                  Kind = "Cancelled"
	DeadlockDetected           Kind = "DeadlockDetected"
	NotImplemented             Kind = "NotImplemented"
	Internal                   Kind = "Internal"
)

// Error is the error shape returned to front-end callers: {kind,
// message, jobid?, hostname?}. It never carries secrets.
type Error struct {
	Kind     Kind
	Message  string
	JobID    string
	Hostname string

	cause error
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause as an Error of the given kind, preserving the
// original for unwrapping via pkg/errors.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: errors.Wrap(cause, msg)}
}

// WithJob returns a copy of e annotated with a job id.
func (e *Error) WithJob(jobID string) *Error {
	n := *e
	n.JobID = jobID
	return &n
}

// WithHost returns a copy of e annotated with a hostname.
func (e *Error) WithHost(hostname string) *Error {
	n := *e
	n.Hostname = hostname
	return &n
}

// Error implements error.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Cause returns the wrapped cause, if any, so that pkg/errors.Cause
// unwraps through it.
func (e *Error) Cause() error {
	if e.cause == nil {
		return e
	}
	return e.cause
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	pe, ok := err.(*Error)
	if !ok {
		return false
	}
	return pe.Kind == kind
}
