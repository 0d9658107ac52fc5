package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Exception handles
// ---------------------------------------------------------------------------

// ExceptionHandle is a raised (or raisable) language exception. Exceptions
// never change after creation apart from the frame trace, which is captured
// once when the exception is first raised.
type ExceptionHandle struct {
	comp    *Composition
	message string
	cause   *ExceptionHandle
	trace   []string
}

// NewException creates an exception of the named class. Unknown classes fall
// back to Exception.
func (r *Registry) NewException(class, message string, cause *ExceptionHandle) *ExceptionHandle {
	comp, err := r.Resolve(class)
	if err != nil || !comp.IsA(r.builtin.exception) {
		comp = r.builtin.exception
	}
	return &ExceptionHandle{comp: comp, message: message, cause: cause}
}

// exceptionFromError converts a Go error into an exception handle. Errors
// that already are exceptions are returned as is; unhandled exceptions
// coming back from another service are unwrapped.
func (r *Registry) exceptionFromError(err error) *ExceptionHandle {
	var ex *ExceptionHandle
	if errors.As(err, &ex) {
		return ex
	}
	var uh *UnhandledException
	if errors.As(err, &uh) {
		return uh.Exception
	}
	class, _ := exceptionClassFor(err)
	return r.NewException(class, err.Error(), nil)
}

func (e *ExceptionHandle) Kind() Kind { return KindException }

// Composition returns the exception's type.
func (e *ExceptionHandle) Composition() *Composition { return e.comp }

// ClassName returns the exception's class name.
func (e *ExceptionHandle) ClassName() string { return e.comp.Class().Name }

// Message returns the exception text.
func (e *ExceptionHandle) Message() string { return e.message }

// Cause returns the wrapped exception, or nil.
func (e *ExceptionHandle) Cause() *ExceptionHandle { return e.cause }

// Trace returns the frame trace captured when the exception was raised,
// outermost frame first.
func (e *ExceptionHandle) Trace() []string {
	cp := make([]string, len(e.trace))
	copy(cp, e.trace)
	return cp
}

// IsA reports whether the exception is an instance of the named class.
func (e *ExceptionHandle) IsA(class string) bool {
	for _, c := range e.comp.lin {
		if c.Name == class {
			return true
		}
	}
	return false
}

func (e *ExceptionHandle) String() string {
	if e.message == "" {
		return e.ClassName()
	}
	return fmt.Sprintf("%s: %s", e.ClassName(), e.message)
}

// Error makes exceptions usable as Go errors, so natives may return them.
func (e *ExceptionHandle) Error() string { return e.String() }

// Unwrap returns the cause, keeping errors.Is/As chains intact.
func (e *ExceptionHandle) Unwrap() error {
	if e.cause == nil {
		return nil
	}
	return e.cause
}
