// Package errs defines the error taxonomy shared by the pipeline engine.
//
// Every error that crosses a package boundary is either one of the sentinel
// classes below or wraps one via Wrap, so callers can branch with errors.Is
// without parsing messages.
package errs

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	// ErrUnknownHandler: a filter/action/condition type is not registered or is disabled.
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrDuplicateHandler: a handler name is already registered.
	ErrDuplicateHandler = errors.New("duplicate handler")
	// ErrConfig: a stored configuration fails its handler's declared schema.
	ErrConfig = errors.New("config error")
	// ErrFilter: a filter implementation failed while evaluating an event.
	ErrFilter = errors.New("filter error")
	// ErrAction: an action implementation failed.
	ErrAction = errors.New("action error")
	// ErrTimeout: an attempt or a run exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrStorage: the pipeline store failed.
	ErrStorage = errors.New("storage error")

	ErrNotFound      = errors.New("not found")
	ErrContextClosed = errors.New("execution context closed")
	ErrRecordClosed  = errors.New("execution record closed")
	ErrQueueFull     = errors.New("queue full")
)

// ClassifiedError ties a cause to one of the error classes above.
type ClassifiedError struct {
	Class error
	Op    string
	Err   error
}

func (e *ClassifiedError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return e.Class.Error()
}

// Unwrap exposes both the class and the cause to errors.Is / errors.As.
func (e *ClassifiedError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// Wrap classifies err under class. A nil err still yields an error of that class.
func Wrap(class error, op string, err error) error {
	return &ClassifiedError{Class: class, Op: op, Err: err}
}

// Errorf is Wrap with a formatted cause.
func Errorf(class error, op, format string, args ...any) error {
	return &ClassifiedError{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the first known class err belongs to, or nil.
func ClassOf(err error) error {
	for _, c := range []error{
		ErrUnknownHandler, ErrDuplicateHandler, ErrConfig, ErrFilter, ErrAction,
		ErrTimeout, ErrStorage, ErrNotFound, ErrContextClosed, ErrRecordClosed, ErrQueueFull,
	} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
