package sync

import (
	"errors"
	"fmt"
)

// ErrInvalidCursor means the provider has expired or forgotten the cursor
// we handed it. The engine resets the account baseline when it sees this.
var ErrInvalidCursor = errors.New("provider no longer recognizes cursor")

// ErrStaleWrite is returned by the cursor store when a compare-and-set
// update finds a different cursor than the caller expected. The losing
// sync drops its advancement; the winner's cursor stands.
var ErrStaleWrite = errors.New("cursor advanced by a concurrent sync")

// ErrUnauthorized covers auth/permission failures from the provider.
// Not retryable until the credential collaborator re-authorizes the account.
var ErrUnauthorized = errors.New("provider rejected credentials")

// TransientError wraps network and rate-limit failures that are safe to
// retry. The cursor is never advanced past a transient failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
