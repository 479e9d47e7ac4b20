package tickbus

import (
	"fmt"
	"runtime/debug"
)

// RecoveryError wraps a panic value with the stack trace.
// Panics in handlers are converted to RecoveryError and reported as
// handler faults instead of unwinding the host loop.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// protect runs fn and converts a panic into a *RecoveryError.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RecoveryError{
				PanicValue: r,
				StackTrace: string(debug.Stack()),
			}
		}
	}()
	return fn()
}
