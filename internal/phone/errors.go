package phone

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a session and
	// there is none.
	ErrNotConnected = errors.New("not connected to a SIP server")
	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("controller closed")
)

// OperationError reports a failure surfaced by the session while running a
// controller operation.
type OperationError struct {
	Op  string // connect, disconnect, call, answer or hangup
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	return &OperationError{Op: op, Err: err}
}
