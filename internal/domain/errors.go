package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrNameNotFound    = errors.New("name not found for uuid")
	ErrUUIDNotFound    = errors.New("no uuid found for name")
	ErrTransient       = errors.New("transient failure")
	ErrSelfIgnore      = errors.New("players cannot ignore themselves")
	ErrShuttingDown    = errors.New("service is shutting down")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
)

// TransientError marks a failure that may succeed on retry (I/O, timeout,
// unavailable store). It matches ErrTransient under errors.Is.
type TransientError struct {
	Op  string
	Err error
}

// Transient wraps err as a retryable failure of op
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransient as a match so callers need not know the concrete type
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrNameNotFound) ||
		errors.Is(err, ErrUUIDNotFound)
}

// IsTransient checks if an error should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
