package router

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorker is reported when no handler is registered for a worker name
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrDuplicateWorker is returned when a worker name is registered twice
	ErrDuplicateWorker = errors.New("worker already registered")
)

// Permanent marks a handler error as non-retryable.
//
//	return nil, router.Permanent(fmt.Errorf("user %s does not exist", id))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e *permanentError) Unwrap() error { return e.err }
