package session

import (
	"errors"
	"fmt"

	"github.com/lexiqai/avatar-console/internal/avatar"
)

var (
	// ErrSessionNotReady is returned when speaking before the session has connected.
	// Retrying the action once connected succeeds.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionClosed is returned after Close. A new session is required.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionBusy is returned by the reject overlap policy while the avatar speaks.
	ErrSessionBusy = errors.New("session busy: avatar is speaking")

	// ErrEmptyText is returned for blank speak text.
	ErrEmptyText = errors.New("speak text is empty")
)

// SessionError is a failure reported by the avatar service
type SessionError struct {
	Op    string // connect, speak, interrupt, stream or close
	Cause error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("avatar %s failed: %v", e.Op, e.Cause)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// IsPermanent reports whether connecting again cannot succeed: the session
// is closed, or the avatar service refused in a way a retry will not change.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSessionClosed) || avatar.IsPermanent(err)
}
