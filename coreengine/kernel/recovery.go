// Package kernel provides panic recovery for kernel and facade operations.
//
// A stage, listener or alert publisher that panics is logged and turned
// into an error instead of taking the process down.
package kernel

import (
	"fmt"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/eraif/coreengine/logging"
)

// PanicError is returned when a recovered operation panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

func logRecovered(logger logging.Logger, msg, operation string, r any) *PanicError {
	perr := &PanicError{Operation: operation, Value: r, Stack: string(debug.Stack())}
	if logger != nil {
		logger.Error(msg,
			"operation", operation,
			"panic", r,
			"stack", perr.Stack,
		)
	}
	return perr
}

// SafeExecute runs fn with panic recovery. A panic is logged and returned
// as a *PanicError.
func SafeExecute(logger logging.Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = logRecovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return a value.
func SafeExecuteWithResult[T any](logger logging.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = logRecovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine with panic recovery. onPanic, if set,
// receives the recovered value.
func SafeGo(logger logging.Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logRecovered(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
