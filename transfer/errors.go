package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity matches every IntegrityError.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrPermanentUpload matches every PermanentUploadError.
	ErrPermanentUpload = errors.New("upload failed permanently")
	// ErrLocalIO matches every LocalIOError.
	ErrLocalIO = errors.New("local i/o error")
)

// IntegrityError is a digest mismatch between what was sent and what the
// provider reports. Never retried.
type IntegrityError struct {
	Key string
	// Part is the zero based chunk index, or -1 for the whole object.
	Part     int
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Part >= 0 {
		return fmt.Sprintf("%s: part %d digest mismatch: expected %s, provider reported %s", e.Key, e.Part+1, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: digest mismatch: expected %s, provider reported %s", e.Key, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// PermanentUploadError is a store call that was rejected or ran out of retries.
type PermanentUploadError struct {
	Key      string
	Op       string
	Attempts int
	Err      error
}

func (e *PermanentUploadError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempt(s): %v", e.Key, e.Op, e.Attempts, e.Err)
}

func (e *PermanentUploadError) Unwrap() error {
	return e.Err
}

func (e *PermanentUploadError) Is(target error) bool {
	return target == ErrPermanentUpload
}

// LocalIOError is a failure reading the source. Never retried.
type LocalIOError struct {
	Key string
	Err error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("%s: read source: %v", e.Key, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

func (e *LocalIOError) Is(target error) bool {
	return target == ErrLocalIO
}
