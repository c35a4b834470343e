package worker

import (
	"errors"
	"fmt"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DeferredError asks the processor to run the job again later without spending an attempt.
type DeferredError struct {
	After  time.Duration
	Reason string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.After, e.Reason)
}

// Defer returns a DeferredError.
func Defer(after time.Duration, reason string) error {
	return &DeferredError{After: after, Reason: reason}
}
