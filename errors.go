package tickbus

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("tickbus: client closed")

// HandlerError wraps an error returned by a subscription handler or a
// function passed to Post.
type HandlerError struct {
	Handle Handle
	Err    error
}

func (e *HandlerError) Error() string {
	if e.Handle.IsZero() {
		return fmt.Sprintf("tickbus: posted function: %v", e.Err)
	}
	return fmt.Sprintf("tickbus: handler %s: %v", e.Handle, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
