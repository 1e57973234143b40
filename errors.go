package timelinecache

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when a requested entity does not exist, either
// upstream (HTTP 404) or in the local store.
var ErrNotFound = errors.New("not found")

// StatusError is returned by upstream clients for non-success HTTP outcomes.
// It carries the response code so callers can classify the failure.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.Code)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// Temporary reports whether the failure class is worth a caller-driven retry.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
