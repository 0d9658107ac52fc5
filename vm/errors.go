package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Host-level errors
// ---------------------------------------------------------------------------

// Sentinel errors. Value-level failures (bounds, mutability, injection) are
// turned into language exceptions when they happen inside a running frame;
// the sentinels remain reachable through errors.Is on the Go side.
var (
	ErrImmutableViolation    = errors.New("immutable violation")
	ErrMutabilityRegression  = errors.New("mutability cannot move backwards")
	ErrOutOfBounds           = errors.New("index out of bounds")
	ErrNotFound              = errors.New("not found")
	ErrTypeMismatch          = errors.New("type mismatch")
	ErrIllegalArgument       = errors.New("illegal argument")
	ErrIllegalState          = errors.New("illegal state")
	ErrDivisionByZero        = errors.New("division by zero")
	ErrNotShareable          = errors.New("value cannot cross a service boundary")
	ErrServiceTerminated     = errors.New("service terminated")
	ErrTimedOut              = errors.New("timed out")
	ErrUnsupported           = errors.New("unsupported operation")
	ErrConflictingOverride   = errors.New("conflicting override")
	ErrMissingImplementation = errors.New("missing implementation")
	ErrTypeArity             = errors.New("wrong number of type arguments")
	ErrContainerBusy         = errors.New("container busy")
)

// exceptionClasses maps sentinels to the language exception class raised for
// them inside interpreted code.
var exceptionClasses = []struct {
	err   error
	class string
}{
	{ErrOutOfBounds, "OutOfBounds"},
	{ErrImmutableViolation, "ImmutableViolation"},
	{ErrMutabilityRegression, "ImmutableViolation"},
	{ErrNotFound, "NotFound"},
	{ErrTypeMismatch, "TypeMismatch"},
	{ErrIllegalArgument, "IllegalArgument"},
	{ErrIllegalState, "IllegalState"},
	{ErrDivisionByZero, "DivisionByZero"},
	{ErrNotShareable, "NotShareable"},
	{ErrServiceTerminated, "ServiceTerminated"},
	{ErrTimedOut, "TimedOut"},
	{ErrUnsupported, "Unsupported"},
}

// exceptionClassFor returns the exception class name for a Go error.
func exceptionClassFor(err error) (string, error) {
	for _, e := range exceptionClasses {
		if errors.Is(err, e.err) {
			return e.class, e.err
		}
	}
	return "IllegalState", nil
}

// sentinelFor returns the sentinel associated with an exception class, if any.
func sentinelFor(class string) error {
	for _, e := range exceptionClasses {
		if e.class == class {
			return e.err
		}
	}
	return nil
}

// ResolutionError reports a structural problem found while resolving a
// composition. It wraps ErrConflictingOverride, ErrMissingImplementation,
// ErrTypeArity or ErrNotFound.
type ResolutionError struct {
	Type      string
	Signature string
	Detail    string
	Err       error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("resolve ")
	b.WriteString(e.Type)
	if e.Signature != "" {
		b.WriteString(".")
		b.WriteString(e.Signature)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// UnhandledException is the failure delivered through an invocation's Future
// when an exception escapes the outermost frame.
type UnhandledException struct {
	Exception *ExceptionHandle
	Trace     []string
}

func (e *UnhandledException) Error() string {
	msg := fmt.Sprintf("unhandled %s", e.Exception)
	if len(e.Trace) > 0 {
		msg += " at " + strings.Join(e.Trace, " > ")
	}
	return msg
}

// Unwrap exposes the sentinel matching the exception class, so callers can
// test errors.Is(err, ErrOutOfBounds) on a failed future.
func (e *UnhandledException) Unwrap() error {
	for _, c := range e.Exception.Composition().lin {
		if s := sentinelFor(c.Name); s != nil {
			return s
		}
	}
	return nil
}
