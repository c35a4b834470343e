package remote

import (
	"errors"
	"fmt"
)

// TransportError is a network-level failure: DNS, refused connection, timeout, broken body.
// Callers treat it as retryable.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError means the backend answered but not with a valid envelope.
type MalformedResponseError struct {
	URL        string
	HTTPStatus int
	Reason     string
	Body       string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response (http %d): %s", e.URL, e.HTTPStatus, e.Reason)
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is a malformed backend response.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
