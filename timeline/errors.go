package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// TransportError reports a network or non-success HTTP failure talking to
// the feed. The caller retries by asking again (pull-to-refresh); nothing in
// the synchronizer retries on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a malformed feed payload.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure during %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistenceError reports a failed batch write. Cursors are never advanced
// past a failed write, so the local cache stays at its last consistent state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CancellationError reports an operation abandoned because the caller's
// context ended. Distinct from TransportError so callers can suppress
// user-visible errors on intentional cancellation.
type CancellationError struct {
	Op  string
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s cancelled: %v", e.Op, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// IsCancellation reports whether err is a cancellation outcome, directly or
// through wrapping.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classifyFetch wraps a feed fetch failure into the taxonomy. Cancellation
// wins over everything; malformed payloads become DecodeError; the rest is
// transport.
func classifyFetch(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancellationError{Op: op, Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &DecodeError{Op: op, Err: err}
	}

	return &TransportError{Op: op, Err: err}
}

// classifyPersist wraps a store failure into the taxonomy.
func classifyPersist(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancellationError{Op: op, Err: err}
	}
	return &PersistenceError{Op: op, Err: err}
}
