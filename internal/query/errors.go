package query

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingQueryFn is returned when a query is fetched without a
	// fetch function. It is never retried.
	ErrMissingQueryFn = errors.New("no fetch function was provided for this query")

	// ErrUndefinedData is returned when a fetch function succeeds with nil
	// data. Nil is reserved for "no data yet".
	ErrUndefinedData = errors.New("fetch function returned nil data")

	// ErrMissingMutationFn is returned when a mutation runs without a
	// mutation function.
	ErrMissingMutationFn = errors.New("no mutation function was provided")
)

// QueryError wraps a fetch failure with the query it belongs to.
type QueryError struct {
	QueryHash string
	Err       error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s: %v", e.QueryHash, e.Err)
}

// Unwrap returns the underlying error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// DehydratedError is an error restored from a snapshot. Only the message
// survives serialisation.
type DehydratedError struct {
	Message string
}

// Error implements the error interface.
func (e *DehydratedError) Error() string {
	return e.Message
}

// IsDehydratedError reports whether err was restored from a snapshot.
// Uses errors.As to handle wrapped errors.
func IsDehydratedError(err error) bool {
	var de *DehydratedError
	return errors.As(err, &de)
}
