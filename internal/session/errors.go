package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoCredential    = errors.New("session: no stored credential")
	ErrPasswordNeeded  = errors.New("session: two-step password required")
	ErrInvalidCode     = errors.New("session: invalid login code")
	ErrInvalidPassword = errors.New("session: invalid password")
	ErrFlowState       = errors.New("session: login step out of order")
	ErrFlowClosed      = errors.New("session: login flow closed")
	ErrClosed          = errors.New("session: handle closed")
	ErrMessageNotFound = errors.New("session: message not found")
	ErrPeerNotFound    = errors.New("session: chat not accessible")
)

// AuthError reports that a stored credential could not be used.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "session: authorization failed"
	}
	return fmt.Sprintf("session: authorization failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
