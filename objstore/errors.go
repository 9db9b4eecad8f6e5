package objstore

import (
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned when an object doesn't exist.
var ErrNotFound = errors.New("object not found")

// TransientError marks a failure worth retrying: timeouts, throttling and
// server side errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a TransientError. A nil err stays nil.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsStatusTransient reports whether an HTTP status code is worth retrying.
func IsStatusTransient(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
