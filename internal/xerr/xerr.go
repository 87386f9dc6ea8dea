// Package xerr implements the typed error model spec §7 and §9
// replace the original's "abort" macros with: a result carrying
// (kind, message, source location). The abort path downstream becomes
// "log + collective-cancel + return" (see internal/cluster).
package xerr

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy from spec §7.
type Kind int

const (
	KindArgument Kind = iota
	KindPath
	KindFilter
	KindIO
	KindIndex
	KindTransport
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "Argument"
	case KindPath:
		return "Path"
	case KindFilter:
		return "Filter"
	case KindIO:
		return "IO"
	case KindIndex:
		return "Index"
	case KindTransport:
		return "Transport"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the one error type the core uses everywhere. Fatal-ness is
// a property of the Kind, per spec §7: Path/IO/Index are warnings the
// caller logs and continues past; Argument/Filter/Transport/Internal
// are fatal to the query.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	File    string
	Line    int
}

func new_(kind Kind, depth int, format string, args ...any) *Error {
	_, file, line, _ := runtime.Caller(depth + 1)
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), File: file, Line: line}
}

func New(kind Kind, format string, args ...any) *Error {
	return new_(kind, 1, format, args...)
}

// Wrap attaches a Kind and stack context (via pkg/errors) to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := new_(kind, 1, format, args...)
	e.Cause = errors.WithStack(cause)
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Fatal reports whether this error kind must abort the whole query,
// per spec §7's propagation rules.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindPath, KindIO, KindIndex:
		return false
	default:
		return true
	}
}

// Is reports whether err carries the given Kind, walking Unwrap chains.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if xe, ok := err.(*Error); ok {
			e = xe
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
