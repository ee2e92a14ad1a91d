// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrConnectionNotFound is returned when a sync is requested for an unknown connection.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
type ErrInvalidCursor struct {
	Cursor string
	Reason string
}

func (e *ErrInvalidCursor) Error() string {
	return fmt.Sprintf("invalid cursor %q: %s", e.Cursor, e.Reason)
}

// ExternalAPIError wraps a failed call to an upstream provider.
type ExternalAPIError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *ExternalAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ExternalAPIError) Unwrap() error { return e.Err }

// SecretError is returned when a stored credential cannot be decrypted.
type SecretError struct {
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("unable to decrypt access token: %v", e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }
