package transport

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks a delivery error that retrying cannot fix (chat gone,
// bot blocked, message rejected).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks a delivery error worth retrying (timeout, 5xx, network).
// Unclassified errors are treated as transient too.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// RetryAfter marks a rate-limit error carrying the platform's wait hint.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

// RetryHint returns the wait hint carried by err, if any.
func RetryHint(err error) (time.Duration, bool) {
	var e RetryAfterError
	if errors.As(err, &e) {
		return e.RetryAfter(), true
	}
	return 0, false
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
