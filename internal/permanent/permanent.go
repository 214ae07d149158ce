// Package permanent tags failures a queue lane must never retry.
// Decode failures, single-attempt fiat requests, and exhausted jobs
// carry this marker into the dead-letter path instead of a redelivery.
package permanent

import "errors"

// Error wraps one non-retryable failure cause.
// Params: wrapped root cause.
// Returns: error that classification helpers recognize as final.
type Error struct {
	Err error
}

// Error returns wrapped cause message.
// Params: none.
// Returns: cause text or a fixed fallback.
func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
// Params: none.
// Returns: wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports the non-retryable classification.
// Params: none.
// Returns: true.
func (Error) Permanent() bool {
	return true
}

// Mark classifies one error as final.
// Params: failure cause.
// Returns: marked error, or nil for a nil cause.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether any error in the chain carries the final marker.
// Params: candidate error.
// Returns: true when the job must not be retried.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
