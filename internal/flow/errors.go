package flow

import "errors"

// retryableError marks an error as transient so transports report
// RETRYABLE_ERROR instead of FATAL_ERROR.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so that IsRetryable reports true for it and for any
// error wrapping it. Retryable(nil) returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// StatusForError maps a site-side error to the status reported for it.
func StatusForError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case IsRetryable(err):
		return StatusRetryableError
	default:
		return StatusFatalError
	}
}
