package githubapi

import (
	"errors"
	"fmt"
)

// NotFoundError means the resource definitively no longer exists (404).
// Callers treat this as "candidate ineligible", not as a pipeline failure.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("github resource not found: %s", e.Resource)
}

// TransientFetchError means the request kept failing with a retryable fault
// (network error, 5xx) after the caller's internal retries were exhausted.
type TransientFetchError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s after %d attempts: %v", e.Resource, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsTransient(err error) bool {
	var tr *TransientFetchError
	return errors.As(err, &tr)
}
