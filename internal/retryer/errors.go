package retryer

import (
	"errors"
	"fmt"
)

// CancelledError is the rejection of a cancelled Retryer.
//
// Cancellation is not a failure: owners inspect Revert and Silent to decide
// how to roll back state instead of recording an error.
type CancelledError struct {
	// Revert asks the owner to restore the state it had before the fetch.
	Revert bool

	// Silent means another operation replaced this one and callers should
	// follow that operation instead.
	Silent bool
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	switch {
	case e.Silent:
		return "cancelled: superseded"
	case e.Revert:
		return "cancelled: reverted"
	}
	return "cancelled"
}

// IsCancelledError reports whether err is, or wraps, a CancelledError.
// Uses errors.As to handle wrapped errors.
func IsCancelledError(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// AsCancelledError extracts the CancelledError from err, if any.
func AsCancelledError(err error) (*CancelledError, bool) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// PanicError wraps a panic recovered from a work function.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("work function panicked: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
