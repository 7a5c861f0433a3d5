package store

import (
	"errors"
	"fmt"
)

// ErrNoToken is returned when a user has never completed the authorization
// exchange. The remedy is re-authorization, not a retry.
var ErrNoToken = errors.New("no oauth token stored for user")

// RefreshFailedError carries the provider's rejection of a token refresh.
// It surfaces to the user as reauthorization guidance and is never retried
// automatically.
type RefreshFailedError struct {
	Status int
	Body   string
	Err    error
}

func (e *RefreshFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("oauth token refresh rejected (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("oauth token refresh failed: %v", e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

// StorageError wraps a persistence-layer fault. It aborts a pipeline run and
// is surfaced verbatim; it indicates an operational problem, not a
// user-fixable one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
