package push

import (
	"errors"
	"fmt"
)

// HandshakeError reports a failed dial or upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push handshake: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the credential.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// TransportError reports a mid-session read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuthError reports whether err stems from a missing or rejected credential.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrCredentials) {
		return true
	}
	var he *HandshakeError
	return errors.As(err, &he) && he.Unauthorized()
}
