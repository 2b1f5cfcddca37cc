package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the provider rejects the supplied
	// credentials (expired or revoked tokens). Callers treat it as a
	// credential failure, not a retryable condition.
	ErrUnauthorized = errors.New("provider rejected credentials")
)

// TransientError wraps a provider failure that is expected to resolve on its
// own: network errors, timeouts, rate limiting, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
