// Package apperr defines the error taxonomy shared by the synchronizer, the
// backend client and the daemon API.
package apperr

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is wrapped when no session credential is present.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthenticationError means the session token is missing, expired or was
// rejected by the backend. It is never retried; the caller must log in again.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError is a transport or handshake failure. Callers may retry it
// with backoff.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteOperationError is a failed backend call made over a working connection.
type RemoteOperationError struct {
	Op     string
	Status int // HTTP status, 0 when not applicable
	Err    error
}

func (e *RemoteOperationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote operation failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: remote operation failed: %v", e.Op, e.Err)
}

func (e *RemoteOperationError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before any network call.
type ValidationError struct {
	Op     string
	Fields []string
	Msg    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid input: %s", e.Op, e.Msg)
}

// Invalid returns a ValidationError with a single message.
func Invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsConnection reports whether err carries a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsRemote reports whether err carries a RemoteOperationError.
func IsRemote(err error) bool {
	var target *RemoteOperationError
	return errors.As(err, &target)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// Retryable reports whether a read may be retried: connection failures and
// server-side (5xx) remote failures.
func Retryable(err error) bool {
	if IsConnection(err) {
		return true
	}
	var remote *RemoteOperationError
	if errors.As(err, &remote) {
		return remote.Status >= 500
	}
	return false
}
