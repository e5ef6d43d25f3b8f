package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTask is returned when a task name was never registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrMissingReference reports a vanished task, resource or URL row.
	ErrMissingReference = errors.New("missing reference")
	// ErrEmptyContent marks a page fetched or stored with zero bytes.
	ErrEmptyContent = errors.New("empty content")
	// ErrCorruptContent marks a stored page that no longer decompresses.
	ErrCorruptContent = errors.New("corrupt content")
	// ErrBodyTooLarge marks a response cut off at the configured body limit.
	ErrBodyTooLarge = errors.New("body exceeds size limit")
	// ErrAttemptsExhausted is recorded on items abandoned after their last
	// claim expired.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrNoItem is returned by Claim when nothing is eligible.
	ErrNoItem = errors.New("no item available")
	// ErrRegistryFrozen is returned when registering after workers started.
	ErrRegistryFrozen = errors.New("task registry is frozen")
)

// FetchError wraps a failed fetch together with the HTTP status, if any.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MissingReference builds an ErrMissingReference for the given table and id.
func MissingReference(table string, id int64) error {
	return fmt.Errorf("%w: %s id %d", ErrMissingReference, table, id)
}
