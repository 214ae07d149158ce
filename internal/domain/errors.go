package domain

import "errors"

// PreconditionError carries a human-readable domain precondition failure.
// Params: message surfaced verbatim to the caller.
// Returns: non-retryable validation error.
type PreconditionError struct {
	Message string
}

// Error returns precondition message.
// Params: none.
// Returns: string representation.
func (e PreconditionError) Error() string {
	return e.Message
}

// Precondition creates precondition error with message.
// Params: human-readable failure message.
// Returns: typed precondition error.
func Precondition(message string) error {
	return PreconditionError{Message: message}
}

// IsPrecondition reports whether error is a domain precondition failure.
// Params: candidate error.
// Returns: true when error chain contains PreconditionError.
func IsPrecondition(err error) bool {
	var tagged PreconditionError
	return errors.As(err, &tagged)
}
