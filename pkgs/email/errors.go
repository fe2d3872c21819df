package email

import (
	"errors"
	"fmt"
)

// ErrMailboxUnavailable is returned internally when a mailbox cannot be
// selected because the server does not have it. SelectMailbox reports it as
// false instead of an error.
var ErrMailboxUnavailable = errors.New("mailbox unavailable")

// ConnectionError indicates a transport or TLS failure while talking to a
// mail server, including expired per-command deadlines.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection error during %s to %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError indicates that a server rejected the configured credentials.
// Credential failures are not transient and are never retried.
type AuthError struct {
	Protocol string
	User     string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed for %s: %v", e.Protocol, e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SendError indicates that the outbound relay did not accept the probe.
type SendError struct {
	Stage string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed at %s: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain) is a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsSendError reports whether err (or any error in its chain) is a SendError.
func IsSendError(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr)
}
