package device

import (
	"errors"
	"fmt"
)

// Error kinds. Read failures of any kind are recoverable; a Reset that fails
// with ErrUnreachable means the device is gone.
var (
	ErrTimeout     = errors.New("device timeout")
	ErrProtocol    = errors.New("device protocol error")
	ErrUnreachable = errors.New("device unreachable")
)

// Error wraps a device failure with the operation that produced it.
type Error struct {
	Op   string // "dial", "rx", "ix", "reset"
	Kind error  // one of the Err* kinds
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil || errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("device %s: %v", e.Op, errOrKind(e))
	}
	return fmt.Sprintf("device %s: %v: %v", e.Op, e.Kind, e.Err)
}

func errOrKind(e *Error) error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
