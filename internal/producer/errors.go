package producer

import (
	"errors"
	"fmt"
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
	IDs    []int64
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.IDs) > 0 {
		return fmt.Sprintf("invalid %s: %s %v", e.Field, e.Reason, e.IDs)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err rejected the request up front.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
